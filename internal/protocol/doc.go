// Package protocol owns the flashing wire vocabulary shared by the
// session, the command handlers and the installer.
//
// Ownership boundary:
// - response codes and response encoding (OKAY/FAIL/DATA/INFO)
// - the Exchange surface a command handler acknowledges through
// - payload tagging (inline bytes vs staged download file)
package protocol
