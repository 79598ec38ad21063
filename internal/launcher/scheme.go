package launcher

import (
	"fmt"
	"os"
)

// Scheme is the URI scheme the auth service redirects to.
const Scheme = "kiro"

// schemeKeyPath is the per-user registry location for the scheme handler.
const schemeKeyPath = `SOFTWARE\Classes\` + Scheme

// HandlerCommand is the shell command registered for kiro:// URLs: the current
// executable in report mode, pointed at port.
func HandlerCommand(exe, port string) string {
	return fmt.Sprintf(`"%s" report --port %s "%%1"`, exe, port)
}

// RegisterScheme points kiro:// at this executable's report command. It reports
// whether anything was written; a second call with the same arguments is a no-op.
// On platforms without a registry it does nothing.
func RegisterScheme(port string) (bool, error) {
	exe, err := os.Executable()
	if err != nil {
		return false, fmt.Errorf("locating executable: %w", err)
	}
	return registerScheme(HandlerCommand(exe, port))
}
