package applier

import "strings"

// parseNetworkServices extracts the enabled services from
// `networksetup -listallnetworkservices`. Disabled services start with "*".
func parseNetworkServices(out string) []string {
	var services []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "An asterisk") || strings.HasPrefix(line, "*") {
			continue
		}
		services = append(services, line)
	}
	return services
}
