// Package extract infers company and contact candidates from the addresses
// on a single message. It makes no cross-message decisions; the sync
// orchestrator resolves candidates against stored rows.
package extract

import (
	"strings"

	"golang.org/x/net/publicsuffix"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/daviddao/mailcrm/internal/types"
)

// FreeMailDomains are consumer mail providers. An address at one of these
// does not identify an organization.
var FreeMailDomains = []string{
	"gmail.com",
	"googlemail.com",
	"yahoo.com",
	"ymail.com",
	"hotmail.com",
	"outlook.com",
	"live.com",
	"msn.com",
	"icloud.com",
	"me.com",
	"aol.com",
	"protonmail.com",
	"proton.me",
	"mail.com",
	"gmx.com",
	"yandex.com",
	"zoho.com",
}

var freeMail = func() map[string]bool {
	m := make(map[string]bool, len(FreeMailDomains))
	for _, d := range FreeMailDomains {
		m[d] = true
	}
	return m
}()

// IsFreeMail reports whether domain is, or is a subdomain of, a free-mail provider.
func IsFreeMail(domain string) bool {
	domain = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(domain)), ".")
	for domain != "" {
		if freeMail[domain] {
			return true
		}
		i := strings.IndexByte(domain, '.')
		if i < 0 {
			break
		}
		domain = domain[i+1:]
	}
	return false
}

// NormalizeDomain reduces a host to its registrable domain, lower-cased:
// mail.eu.acme.io becomes acme.io. Hosts with no registrable part, such as a
// bare public suffix like co.uk or github.io, yield "".
func NormalizeDomain(host string) string {
	host = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
	if host == "" {
		return ""
	}
	d, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return ""
	}
	return d
}

// CompanyName derives a display name from a registrable domain by dropping
// the public suffix and title-casing what is left: acme-corp.io becomes
// "Acme Corp".
func CompanyName(domain string) string {
	domain = NormalizeDomain(domain)
	if domain == "" {
		return ""
	}
	label := domain
	if suffix, _ := publicsuffix.PublicSuffix(domain); suffix != "" && suffix != domain {
		label = strings.TrimSuffix(domain, "."+suffix)
	}
	return titleWords(label)
}

// Website returns the canonical https URL for a domain.
func Website(domain string) string {
	return "https://" + domain
}

// Companies returns one candidate per distinct organizational domain on the
// message (sender, then To, then Cc), in first-seen order.
func Companies(email *types.NormalizedEmail) []types.Company {
	if email == nil {
		return nil
	}
	seen := make(map[string]bool)
	var out []types.Company
	for _, addr := range email.Addresses() {
		domain := NormalizeDomain(addr.Domain())
		if domain == "" || IsFreeMail(domain) || seen[domain] {
			continue
		}
		seen[domain] = true
		out = append(out, types.Company{
			Name:    CompanyName(domain),
			Website: Website(domain),
			Domain:  domain,
		})
	}
	return out
}

// Contacts returns one candidate per distinct address on the message, minus
// the owner and free-mail addresses, in first-seen order. Each candidate
// carries the normalized domain of its company.
func Contacts(email *types.NormalizedEmail, ownerEmail string) []types.Contact {
	if email == nil {
		return nil
	}
	owner := strings.ToLower(strings.TrimSpace(ownerEmail))
	seen := make(map[string]bool)
	var out []types.Contact
	for _, addr := range email.Addresses() {
		address := strings.ToLower(strings.TrimSpace(addr.Email))
		domain := NormalizeDomain(addr.Domain())
		if address == "" || domain == "" || seen[address] {
			continue
		}
		seen[address] = true
		if address == owner || IsFreeMail(domain) {
			continue
		}

		name := strings.TrimSpace(addr.Name)
		if name == "" || strings.EqualFold(name, address) {
			name = titleWords(addr.LocalPart())
		}
		out = append(out, types.Contact{
			Name:          name,
			Email:         address,
			Status:        types.StatusConnected,
			CompanyDomain: domain,
		})
	}
	return out
}

// titleWords splits s on '-', '_', '.' and '+' and title-cases each word.
func titleWords(s string) string {
	words := strings.FieldsFunc(s, func(r rune) bool {
		return r == '-' || r == '_' || r == '.' || r == '+'
	})
	caser := cases.Title(language.Und)
	for i, w := range words {
		words[i] = caser.String(w)
	}
	return strings.Join(words, " ")
}
