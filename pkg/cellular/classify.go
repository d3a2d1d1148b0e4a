package cellular

import (
	"bytes"
	"regexp"
)

// LinkState is the PPP link state inferred from the daemon's log, per spec
// §4.4's pattern table. Distinct from Supervisor's own top-level State.
type LinkState int

const (
	LinkUnknown LinkState = iota
	LinkStarting
	LinkChatRunning
	LinkChatConnected
	LinkLcpNegotiation
	LinkLcpEstablished
	LinkIpcpNegotiation
	LinkConnected
	LinkDisconnecting
	LinkError
)

var linkStateNames = map[LinkState]string{
	LinkUnknown:        "Unknown",
	LinkStarting:       "Starting",
	LinkChatRunning:    "ChatRunning",
	LinkChatConnected:  "ChatConnected",
	LinkLcpNegotiation: "LcpNegotiation",
	LinkLcpEstablished: "LcpEstablished",
	LinkIpcpNegotiation: "IpcpNegotiation",
	LinkConnected:      "Connected",
	LinkDisconnecting:  "Disconnecting",
	LinkError:          "Error",
}

func (s LinkState) String() string { return linkStateNames[s] }

// classifyRule is one row of the log-pattern table (spec §4.4). Specified
// as data rather than code so new patterns can be added without touching
// the matching logic. mustContainAll and mustContainAny compose with AND;
// within mustContainAny, any one phrase present is sufficient.
type classifyRule struct {
	state          LinkState
	mustContainAll []string
	mustContainAny []string
	mustNotContain []string
}

// localIPPhrases covers pppd's "local  IP address" line, which pads "local"
// with a second space to line up with "remote IP address".
var localIPPhrases = []string{"local IP address", "local  IP address"}

var classifyTable = []classifyRule{
	{state: LinkConnected, mustContainAll: []string{"ip-up finished"}, mustContainAny: localIPPhrases},
	{state: LinkIpcpNegotiation, mustContainAll: []string{"IPCP ConfReq"}, mustNotContain: localIPPhrases},
	{state: LinkLcpEstablished, mustContainAll: []string{"LCP ConfAck"}, mustNotContain: []string{"IPCP ConfReq"}},
	{state: LinkLcpNegotiation, mustContainAll: []string{"LCP ConfReq"}, mustNotContain: []string{"LCP ConfAck"}},
	{state: LinkChatConnected, mustContainAll: []string{"CONNECT", "Serial connection established"}, mustNotContain: []string{"LCP"}},
	{state: LinkChatRunning, mustContainAny: []string{"ATDT", "ATD*99"}, mustNotContain: []string{"CONNECT"}},
	{state: LinkStarting, mustContainAny: []string{"Start Pppd", "starting pppd"}, mustNotContain: []string{"chat"}},
	{state: LinkError, mustContainAny: []string{"Connect script failed", "Modem hangup", "LCP terminated", "No carrier"}},
	{state: LinkDisconnecting, mustContainAny: []string{"Terminating", "ip-down started"}},
}

// errorReasonPhrases maps the phrase that tripped LinkError to a short,
// CLI/diagnostic-friendly reason string.
var errorReasonPhrases = []string{"Connect script failed", "Modem hangup", "LCP terminated", "No carrier"}

// Classify searches lines (most-recent first) against classifyTable in
// order and returns the first matching state, or LinkStarting as the
// default when the daemon is running but no pattern matched. For
// LinkError it also returns the triggering phrase as reason.
func Classify(lines [][]byte) (state LinkState, reason string) {
	joined := bytes.Join(lines, []byte("\n"))

	for _, rule := range classifyTable {
		if !containsAll(joined, rule.mustContainAll) {
			continue
		}
		if len(rule.mustContainAny) > 0 && !containsAny(joined, rule.mustContainAny) {
			continue
		}
		if containsAny(joined, rule.mustNotContain) {
			continue
		}
		if rule.state == LinkError {
			for _, phrase := range errorReasonPhrases {
				if bytes.Contains(joined, []byte(phrase)) {
					return LinkError, phrase
				}
			}
		}
		return rule.state, ""
	}
	return LinkStarting, ""
}

func containsAll(haystack []byte, phrases []string) bool {
	for _, p := range phrases {
		if !bytes.Contains(haystack, []byte(p)) {
			return false
		}
	}
	return true
}

// ConnectionDetails holds the fields pulled from the pppd log once
// LinkConnected is inferred, per spec §4.4's "extract local IP, remote IP,
// primary DNS, secondary DNS".
type ConnectionDetails struct {
	LocalIP      string
	RemoteIP     string
	PrimaryDNS   string
	SecondaryDNS string
}

var ipAddrPattern = regexp.MustCompile(`(?m)^\s*(local|remote)\s+IP address\s+(\S+)`)
var dnsAddrPattern = regexp.MustCompile(`(?m)^\s*(primary|secondary)\s*\s*DNS address\s+(\S+)`)

// ExtractConnectionDetails scans lines for the standard pppd ip-up field
// lines. Missing fields are left empty.
func ExtractConnectionDetails(lines [][]byte) ConnectionDetails {
	joined := bytes.Join(lines, []byte("\n"))
	var d ConnectionDetails
	for _, m := range ipAddrPattern.FindAllSubmatch(joined, -1) {
		switch string(m[1]) {
		case "local":
			d.LocalIP = string(m[2])
		case "remote":
			d.RemoteIP = string(m[2])
		}
	}
	for _, m := range dnsAddrPattern.FindAllSubmatch(joined, -1) {
		switch string(m[1]) {
		case "primary":
			d.PrimaryDNS = string(m[2])
		case "secondary":
			d.SecondaryDNS = string(m[2])
		}
	}
	return d
}

func containsAny(haystack []byte, phrases []string) bool {
	for _, p := range phrases {
		if bytes.Contains(haystack, []byte(p)) {
			return true
		}
	}
	return false
}
