package newport

import (
	"errors"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/nasa-jpl/agilis/comm"
	"github.com/tarm/serial"
)

// Agilis mnemonics.  Axis commands are prefixed with the axis number, 1 or 2.
const (
	cmdIdentity      = "VE"
	cmdRemoteMode    = "MR"
	cmdSelectChannel = "CC"
	cmdQueryChannel  = "CC?"
	cmdLimitStatus   = "PH"
	cmdLastError     = "TE"
	cmdRelativeMove  = "PR"
	cmdJog           = "MV"
	cmdTellSteps     = "TP"
	cmdZeroPosition  = "ZP"
	cmdStop          = "ST"
	cmdStatus        = "TS"
	cmdStepAmplitude = "SU"
)

// queryMnemonics are the substrings that mark a command as a query.
// The match is deliberately loose, any command containing one of these
// anywhere (case-insensitive) is treated as expecting a reply.
var queryMnemonics = []string{"?", "PH", "TE", "TP", "TS", "VE"}

var (
	// ErrNoAnswer is returned when a query got no reply before the link timed out.
	// It means "unknown", not "empty".
	ErrNoAnswer = errors.New("no answer from the Agilis controller")

	// AgilisErrorCodes maps TE replies to their meaning
	AgilisErrorCodes = map[int]string{
		0:  "No error",
		-1: "Unknown command",
		-2: "Axis out of range (must be 1 or 2, or must not be specified)",
		-3: "Wrong format for parameter nn (or must not be specified)",
		-4: "Parameter nn out of range",
		-5: "Not allowed in local mode",
		-6: "Not allowed in current state",
	}
)

// AgilisError is an error reported by the controller through TE
type AgilisError struct {
	Code int
}

func (e AgilisError) Error() string {
	if s, ok := AgilisErrorCodes[e.Code]; ok {
		return fmt.Sprintf("Agilis error %d - %s", e.Code, s)
	}
	return fmt.Sprintf("Agilis error %d - UNKNOWN ERROR CODE", e.Code)
}

// isQuery returns true if the controller will reply to cmd
func isQuery(cmd string) bool {
	cmd = strings.ToUpper(cmd)
	for _, q := range queryMnemonics {
		if strings.Contains(cmd, q) {
			return true
		}
	}
	return false
}

// makeSerConf makes a new serial.Config with correct parity, baud, etc, set.
func makeSerConf(addr string) *serial.Config {
	return &serial.Config{
		Name:        addr,
		Baud:        115200,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: 1 * time.Second}
}

// agPort frames Agilis commands onto one exclusive link.  Every exchange
// holds the link's mutex; nothing is held between exchanges.
type agPort struct {
	rd      *comm.RemoteDevice
	logger  *log.Logger
	verbose bool

	// selected is the last channel selected over this link, 0 if unknown.
	// guarded by rd's mutex
	selected Channel
}

func openPort(addr string, isSerial bool, logger *log.Logger, verbose bool) (*agPort, error) {
	var serCfg *serial.Config
	if isSerial {
		serCfg = makeSerConf(addr)
	}
	rd := comm.NewRemoteDevice(addr, isSerial, &comm.CRLF, serCfg)
	if verbose {
		logger.Println("opening communication with", addr)
	}
	if err := rd.Open(); err != nil {
		return nil, err
	}
	logger.Println("communication opened with", addr)
	return &agPort{rd: &rd, logger: logger, verbose: verbose}, nil
}

// send performs one exchange: cmd, and the reply if cmd is a query
func (p *agPort) send(cmd string) (string, error) {
	p.rd.Lock()
	defer p.rd.Unlock()
	return p.exchange(cmd)
}

// onChannel sends an axis command, first re-selecting ch if another
// operation moved the link to a different channel since it was checked
func (p *agPort) onChannel(ch Channel, cmd string) (string, error) {
	p.rd.Lock()
	defer p.rd.Unlock()
	if p.selected != ch {
		if _, err := p.exchange(cmdSelectChannel + strconv.Itoa(int(ch))); err != nil {
			return "", err
		}
	}
	return p.exchange(cmd)
}

// exchange must be called with the link locked
func (p *agPort) exchange(cmd string) (string, error) {
	if p.verbose {
		p.logger.Printf("sent: %q", cmd)
	}
	if err := p.rd.Send([]byte(cmd)); err != nil {
		return "", err
	}
	if !isQuery(cmd) {
		if ch, ok := parseChannelSelect(cmd); ok {
			p.selected = ch
		}
		return "", nil
	}
	var resp string
	for stale := 0; ; stale++ {
		buf, err := p.rd.Recv()
		if err != nil {
			if errors.Is(err, comm.ErrTimeout) {
				p.logger.Printf("serial timeout waiting for reply to %q", cmd)
				return "", ErrNoAnswer
			}
			return "", err
		}
		if p.verbose {
			p.logger.Printf("received: %q", buf)
		}
		resp = string(buf)
		if strings.HasSuffix(resp, "\r\n") {
			resp = resp[:len(resp)-2]
		} else {
			resp = strings.TrimSuffix(resp, "\n")
		}
		if answers(cmd, resp) {
			break
		}
		// a late reply to an earlier query that timed out
		p.logger.Printf("discarding reply %q, it does not answer %q", resp, cmd)
		if stale == maxStaleReplies {
			return "", ErrNoAnswer
		}
	}
	if strings.EqualFold(cmd, cmdQueryChannel) {
		if ch, err := parseChannelReply(resp); err == nil {
			p.selected = ch
		}
	}
	return resp, nil
}

// maxStaleReplies bounds how many unrelated lines a query skips before giving up
const maxStaleReplies = 3

// echoReply matches the replies that echo their query's mnemonic, e.g. 1TP-120, CC2, TE0
var echoReply = regexp.MustCompile(`^[1-9]?(TP|TS|SU|CC|PH|TE)[+-]?\d+$`)

// answers returns true if resp can be the reply to cmd.  Replies echo the
// query without its "?", except VE which replies with the bare identity.
func answers(cmd, resp string) bool {
	cmd = strings.ToUpper(strings.TrimSpace(cmd))
	resp = strings.ToUpper(strings.TrimSpace(resp))
	if strings.Contains(cmd, cmdIdentity) {
		return !echoReply.MatchString(resp)
	}
	return strings.HasPrefix(resp, strings.TrimSuffix(cmd, "?"))
}

func (p *agPort) close() error {
	p.rd.Lock()
	defer p.rd.Unlock()
	p.selected = 0
	if p.verbose {
		p.logger.Println("closing communication with", p.rd.Addr)
	}
	err := p.rd.Close()
	if err == nil {
		p.logger.Println("communication with", p.rd.Addr, "is closed")
	}
	return err
}

// parseChannelSelect recognizes CC1..CC4 action commands
func parseChannelSelect(cmd string) (Channel, bool) {
	cmd = strings.ToUpper(strings.TrimSpace(cmd))
	if !strings.HasPrefix(cmd, cmdSelectChannel) {
		return 0, false
	}
	i, err := strconv.Atoi(cmd[len(cmdSelectChannel):])
	if err != nil || i < 1 || i > NumChannels {
		return 0, false
	}
	return Channel(i), true
}

// parseChannelReply parses "CC2" into 2
func parseChannelReply(resp string) (Channel, error) {
	i, err := parseReply(resp, cmdSelectChannel)
	if err != nil {
		return 0, err
	}
	if i < 1 || i > NumChannels {
		return 0, fmt.Errorf("controller reported channel %d, out of range", i)
	}
	return Channel(i), nil
}

// ReplyError is generated when a reply does not have the expected form
type ReplyError struct {
	Reply, Prefix string
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("unexpected reply %q, expected %s followed by an integer", e.Reply, e.Prefix)
}

// parseReply strips the echoed mnemonic (prefix) from resp and
// parses the remainder as an integer, e.g. "1TP-120" => -120 for prefix "1TP"
func parseReply(resp, prefix string) (int, error) {
	resp = strings.TrimSpace(resp)
	if !strings.HasPrefix(strings.ToUpper(resp), prefix) {
		return 0, &ReplyError{Reply: resp, Prefix: prefix}
	}
	i, err := strconv.Atoi(strings.TrimSpace(resp[len(prefix):]))
	if err != nil {
		return 0, &ReplyError{Reply: resp, Prefix: prefix}
	}
	return i, nil
}
