package offline0

import (
	"net/url"
	"strings"
)

// Op is a control operation. The set is closed; anything the controller does
// not know parses to OpUnknown and is ignored.
type Op int

const (
	OpUnknown Op = iota
	OpSetPathResources
	OpClearPathResources
	OpEnableOfflineShell
	OpDisableOfflineShell
)

func ParseOp(name string) Op {
	switch name {
	case "setPathResources":
		return OpSetPathResources
	case "clearPathResources":
		return OpClearPathResources
	case "enableOfflineShell":
		return OpEnableOfflineShell
	case "disableOfflineShell":
		return OpDisableOfflineShell
	default:
		return OpUnknown
	}
}

func (o Op) String() string {
	switch o {
	case OpSetPathResources:
		return "setPathResources"
	case OpClearPathResources:
		return "clearPathResources"
	case OpEnableOfflineShell:
		return "enableOfflineShell"
	case OpDisableOfflineShell:
		return "disableOfflineShell"
	default:
		return "unknown"
	}
}

// ControlMessage is one decoded control instruction, from either the
// reserved URL or the message channel.
type ControlMessage struct {
	Op        Op
	API       string // operation name as received
	Path      string
	Resources []string
	Redirect  bool
}

// parseControlURL decodes "/.<ns>:<params>". params is either a bare
// operation name or key=value pairs joined by "&". Query parameters fill in
// keys the path did not set.
func parseControlURL(u *url.URL, prefix string) ControlMessage {
	params := u.EscapedPath()
	if i := strings.Index(params, ":"); i >= 0 {
		params = params[i+1:]
	}
	if !strings.HasPrefix(u.EscapedPath(), prefix) {
		params = ""
	}

	data := map[string]string{}
	if strings.Contains(params, "=") {
		for _, pair := range strings.Split(params, "&") {
			parts := strings.Split(pair, "=")
			key := unescape(parts[0])
			val := ""
			if len(parts) > 1 {
				val = unescape(parts[1])
			}
			data[key] = val
		}
	} else {
		data["api"] = unescape(params)
	}
	for k, vs := range u.Query() {
		if _, ok := data[k]; !ok && len(vs) > 0 {
			data[k] = vs[0]
		}
	}

	msg := ControlMessage{
		API:      data["api"],
		Op:       ParseOp(data["api"]),
		Redirect: truthy(data["redirect"]),
	}
	if p, ok := data["path"]; ok && p != "" {
		msg.Path = normalizePath(p)
	}
	if rs := data["resources"]; rs != "" {
		for _, r := range strings.Split(rs, ",") {
			if r = strings.TrimSpace(r); r != "" {
				msg.Resources = append(msg.Resources, r)
			}
		}
	}
	return msg
}

func unescape(s string) string {
	if v, err := url.QueryUnescape(s); err == nil {
		return v
	}
	return s
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "false", "0":
		return false
	default:
		return true
	}
}
