/*Package newport provides drivers and HTTP servers for Newport Agilis AG-UC8
piezo motor controllers.

The UC8 type talks to the controller over a serial port or a serial-to-ethernet
bridge, exposing relative moves, limit seeks, zeroing and path following per
channel.  UC8HTTPWrapper wraps it in an HTTP interface, and MockUC8 simulates
the hardware for tests and demos.

*/
package newport
