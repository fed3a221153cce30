package waf

import (
	"net/http"
	"sort"
	"strings"
	"sync"

	wappalyzer "github.com/projectdiscovery/wappalyzergo"
	"github.com/rs/zerolog/log"
)

// Fingerprinter names the protection vendors visible in a response.
type Fingerprinter interface {
	Vendors(headers http.Header, body []byte) []Type
}

// vendorTypes maps lowercased wappalyzer technology name fragments to WAF types.
var vendorTypes = []struct {
	fragment string
	typ      Type
}{
	{"cloudflare bot management", TypeCloudflare},
	{"cloudflare", TypeCloudflare},
	{"datadome", TypeDataDome},
	{"perimeterx", TypePerimeterX},
	{"human security", TypePerimeterX},
	{"imperva", TypeImperva},
	{"incapsula", TypeImperva},
	{"akamai", TypeAkamai},
	{"recaptcha", TypeCaptcha},
	{"hcaptcha", TypeCaptcha},
}

// categoryNames maps wappalyzer category IDs to names.
var categoryNames map[int]string
var categoryNamesOnce sync.Once

// WappalyzerFingerprinter attributes responses to vendors with wappalyzergo.
type WappalyzerFingerprinter struct {
	client *wappalyzer.Wappalyze
	mu     sync.RWMutex
}

// NewWappalyzerFingerprinter loads the fingerprint database.
func NewWappalyzerFingerprinter() (*WappalyzerFingerprinter, error) {
	client, err := wappalyzer.New()
	if err != nil {
		return nil, err
	}

	categoryNamesOnce.Do(func() {
		categoryNames = make(map[int]string)
		for id, cat := range wappalyzer.GetCategoriesMapping() {
			categoryNames[id] = cat.Name
		}
	})

	return &WappalyzerFingerprinter{client: client}, nil
}

// Vendors returns the distinct protection types found, sorted.
func (f *WappalyzerFingerprinter) Vendors(headers http.Header, body []byte) []Type {
	f.mu.RLock()
	fingerprints := f.client.FingerprintWithCats(headers, body)
	f.mu.RUnlock()

	seen := make(map[Type]struct{})
	for tech, info := range fingerprints {
		typ, ok := vendorFor(tech)
		if !ok {
			continue
		}
		seen[typ] = struct{}{}

		categories := make([]string, 0, len(info.Cats))
		for _, id := range info.Cats {
			if name, ok := categoryNames[id]; ok {
				categories = append(categories, name)
			}
		}
		log.Debug().
			Str("technology", tech).
			Strs("categories", categories).
			Str("waf", string(typ)).
			Msg("Protection vendor fingerprinted")
	}

	out := make([]Type, 0, len(seen))
	for typ := range seen {
		out = append(out, typ)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func vendorFor(tech string) (Type, bool) {
	name := strings.ToLower(tech)
	for _, v := range vendorTypes {
		if strings.Contains(name, v.fragment) {
			return v.typ, true
		}
	}
	return "", false
}
