package protocol

// services maps well-known ports to the names tcpdump prints when port
// translation is left on.
var services = map[uint16]string{
	20:   "ftp-data",
	21:   "ftp",
	22:   "ssh",
	23:   "telnet",
	25:   "smtp",
	53:   "domain",
	67:   "bootps",
	68:   "bootpc",
	69:   "tftp",
	80:   "http",
	88:   "kerberos",
	110:  "pop3",
	119:  "nntp",
	123:  "ntp",
	137:  "netbios-ns",
	138:  "netbios-dgm",
	139:  "netbios-ssn",
	143:  "imap",
	161:  "snmp",
	162:  "snmptrap",
	179:  "bgp",
	389:  "ldap",
	443:  "https",
	445:  "microsoft-ds",
	514:  "syslog",
	515:  "printer",
	587:  "submission",
	631:  "ipp",
	636:  "ldaps",
	853:  "domain-s",
	873:  "rsync",
	993:  "imaps",
	995:  "pop3s",
	1080: "socks",
	1194: "openvpn",
	1883: "mqtt",
	1900: "ssdp",
	3306: "mysql",
	3389: "ms-wbt-server",
	5353: "mdns",
	5432: "postgresql",
	8080: "http-alt",
}

var servicePorts = func() map[string]uint16 {
	m := make(map[string]uint16, len(services))
	for port, name := range services {
		m[name] = port
	}
	return m
}()

// WellKnown reports whether port is a known service port.
func WellKnown(port uint16) bool {
	_, ok := services[port]
	return ok
}

// ServiceName returns the service name registered for port.
func ServiceName(port uint16) (string, bool) {
	name, ok := services[port]
	return name, ok
}

// LookupService returns the port of a named service.
func LookupService(name string) (uint16, bool) {
	port, ok := servicePorts[name]
	return port, ok
}
