// Package policy gates expensive fetch strategies per host.
package policy

import "strings"

// HeadlessAllowList decides which hosts may be rendered in a headless
// browser. Entries match the host itself and its subdomains; "*" matches
// every host.
type HeadlessAllowList struct {
	enabled bool
	any     bool
	hosts   map[string]struct{}
}

// NewHeadlessAllowList builds a policy. A disabled policy allows nothing.
func NewHeadlessAllowList(enabled bool, hosts []string) *HeadlessAllowList {
	p := &HeadlessAllowList{enabled: enabled, hosts: make(map[string]struct{}, len(hosts))}
	for _, h := range hosts {
		h = strings.ToLower(strings.TrimSpace(h))
		switch h {
		case "":
		case "*":
			p.any = true
		default:
			p.hosts[strings.TrimPrefix(h, ".")] = struct{}{}
		}
	}
	return p
}

// AllowHeadless reports whether host may use the headless fallback.
func (p *HeadlessAllowList) AllowHeadless(host string) bool {
	if p == nil || !p.enabled {
		return false
	}
	if p.any {
		return true
	}
	host = strings.ToLower(host)
	for {
		if _, ok := p.hosts[host]; ok {
			return true
		}
		i := strings.IndexByte(host, '.')
		if i < 0 {
			return false
		}
		host = host[i+1:]
	}
}
