package frontier

import (
	"strings"

	"github.com/JakeFAU/newsfrontier/internal/crawler"
)

// Filter decides whether an entry may join the frontier. A rejection carries
// a short machine-readable reason.
type Filter interface {
	Admit(entry crawler.FrontierEntry) (bool, string)
}

// FilterFunc adapts a function to Filter.
type FilterFunc func(entry crawler.FrontierEntry) (bool, string)

// Admit calls f.
func (f FilterFunc) Admit(entry crawler.FrontierEntry) (bool, string) {
	return f(entry)
}

// ReasonNotGeographyLinked is reported by GeographyOnly.
const ReasonNotGeographyLinked = "not-geography-linked"

// GeographyOnly admits articles, hubs and pagination pages unconditionally
// and other pages only when their path names a place.
func GeographyOnly() Filter {
	return FilterFunc(func(entry crawler.FrontierEntry) (bool, string) {
		if entry.Kind != crawler.KindOther || crawler.GeographyLinked(entry.URL) {
			return true, ""
		}
		return false, ReasonNotGeographyLinked
	})
}

// MaxDepth rejects entries deeper than limit. A non-positive limit admits all.
func MaxDepth(limit int) Filter {
	return FilterFunc(func(entry crawler.FrontierEntry) (bool, string) {
		if limit > 0 && entry.Depth > limit {
			return false, "max-depth"
		}
		return true, ""
	})
}

// AllowedHosts restricts the frontier to the given hosts and their
// subdomains. An empty list admits everything.
func AllowedHosts(hosts []string) Filter {
	allowed := make(map[string]struct{}, len(hosts))
	for _, h := range hosts {
		allowed[h] = struct{}{}
	}
	return FilterFunc(func(entry crawler.FrontierEntry) (bool, string) {
		if len(allowed) == 0 {
			return true, ""
		}
		for host := entry.Host; host != ""; {
			if _, ok := allowed[host]; ok {
				return true, ""
			}
			i := strings.IndexByte(host, '.')
			if i < 0 {
				break
			}
			host = host[i+1:]
		}
		return false, "off-site"
	})
}
