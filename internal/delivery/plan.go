// Package delivery tracks per-recipient message state and describes how a
// message was routed.
package delivery

// Plan partitions a message's recipients by the path that served them.
// Every recipient appears in exactly one list.
type Plan struct {
	Local   []string `json:"local"`
	Remote  []string `json:"remote"`
	Offline []string `json:"offline"`
}

func (p Plan) Len() int {
	return len(p.Local) + len(p.Remote) + len(p.Offline)
}
