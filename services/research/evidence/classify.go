// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package evidence

import (
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/AleutianAI/AleutianResearch/services/research/state"
)

var (
	forumDomains         = []string{"reddit.com", "quora.com", "stackexchange.com", "stackoverflow.com"}
	blogPlatformDomains  = []string{"medium.com", "substack.com"}
	blogHostMarkers      = []string{"blog", "wikipedia", "substack", "wordpress"}
	officialTLDs         = map[string]bool{"gov": true, "edu": true, "mil": true, "int": true}
	officialSecondLevels = map[string]bool{"gov": true, "edu": true, "mil": true, "ac": true}
)

// Classify maps a URL to a source category from its host name alone.
//
// Description:
//
//	Rules, first match wins:
//	  forum sites (reddit, quora, stackexchange, stackoverflow) -> forum
//	  blog platforms (medium, substack)                          -> independent_blog
//	  .gov/.edu/.mil/.int, or gov/edu/mil/ac under a ccTLD      -> official
//	  host mentions blog/wikipedia/substack/wordpress            -> independent_blog
//	  anything else, including unparsable URLs                   -> vendor_blog
//
//	No network access is involved.
//
// Inputs:
//
//	rawURL - Absolute URL, or a bare host with an optional path.
//
// Outputs:
//
//	state.SourceCategory - Never empty.
func Classify(rawURL string) state.SourceCategory {
	host := Host(rawURL)
	if host == "" {
		return state.CategoryVendorBlog
	}

	switch {
	case underAny(host, forumDomains):
		return state.CategoryForum
	case underAny(host, blogPlatformDomains):
		return state.CategoryIndependentBlog
	case isOfficialHost(host):
		return state.CategoryOfficial
	}
	for _, marker := range blogHostMarkers {
		if strings.Contains(host, marker) {
			return state.CategoryIndependentBlog
		}
	}
	return state.CategoryVendorBlog
}

// Host returns the lower-cased host of rawURL without port or "www.".
// It returns "" when no host can be found.
func Host(rawURL string) string {
	raw := strings.TrimSpace(rawURL)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		u, err = url.Parse("https://" + raw)
		if err != nil {
			return ""
		}
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	return strings.TrimPrefix(host, "www.")
}

// RegistrableDomain returns the eTLD+1 of rawURL's host, e.g.
// "docs.python.org" -> "python.org". Hosts the public suffix list cannot
// reduce (IP addresses, single labels) are returned as they are.
func RegistrableDomain(rawURL string) string {
	host := Host(rawURL)
	if host == "" {
		return ""
	}
	if net.ParseIP(host) != nil {
		return host
	}
	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return domain
}

func underAny(host string, domains []string) bool {
	for _, d := range domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

func isOfficialHost(host string) bool {
	labels := strings.Split(host, ".")
	n := len(labels)
	if n < 2 {
		return false
	}
	if officialTLDs[labels[n-1]] {
		return true
	}
	// gov.uk, ac.uk, edu.au and friends. Other national schemes (gc.ca,
	// gouv.fr) fall through to the generic rules.
	return len(labels[n-1]) == 2 && officialSecondLevels[labels[n-2]]
}
