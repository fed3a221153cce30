package waf

import (
	"net/http"
	"strings"

	"github.com/Harvey-AU/stealth-bee/internal/fetch"
	"github.com/PuerkitoBio/goquery"
)

// Type identifies the protection system behind a block.
type Type string

const (
	TypeNone       Type = "none"
	TypeCloudflare Type = "cloudflare"
	TypeTurnstile  Type = "cloudflare-turnstile"
	TypeDataDome   Type = "datadome"
	TypePerimeterX Type = "perimeterx"
	TypeImperva    Type = "imperva"
	TypeAkamai     Type = "akamai"
	TypeCaptcha    Type = "captcha"
	TypeRateLimit  Type = "rate-limit"
	TypeCustom     Type = "custom"
	TypeUnknown    Type = "unknown"
)

// probe carries one response through the indicator checks. The HTML document
// is parsed lazily, only when a structural indicator needs it.
type probe struct {
	resp      *fetch.RawResponse
	lowerBody string
	docParsed bool
	doc       *goquery.Document
}

func newProbe(resp *fetch.RawResponse) *probe {
	body := resp.Body
	if len(body) > maxInspectBytes {
		body = body[:maxInspectBytes]
	}
	return &probe{resp: resp, lowerBody: strings.ToLower(string(body))}
}

func (p *probe) document() *goquery.Document {
	if !p.docParsed {
		p.docParsed = true
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(p.lowerBody))
		if err == nil {
			p.doc = doc
		}
	}
	return p.doc
}

type indicator struct {
	name   string
	weight float64
	match  func(p *probe) bool
}

type signature struct {
	typ           Type
	requiresJS    bool
	requiresHuman bool
	hard          bool
	indicators    []indicator
}

func header(name, contains string, weight float64) indicator {
	label := "header:" + strings.ToLower(name)
	if contains != "" {
		label += "=" + contains
	}
	return indicator{name: label, weight: weight, match: func(p *probe) bool {
		if p.resp.Headers == nil {
			return false
		}
		values := p.resp.Headers.Values(name)
		if len(values) == 0 {
			return false
		}
		if contains == "" {
			return true
		}
		for _, v := range values {
			if strings.Contains(strings.ToLower(v), contains) {
				return true
			}
		}
		return false
	}}
}

func cookie(prefix string, weight float64) indicator {
	return indicator{name: "cookie:" + prefix, weight: weight, match: func(p *probe) bool {
		for _, c := range p.resp.Cookies {
			if strings.HasPrefix(strings.ToLower(c.Name), prefix) {
				return true
			}
		}
		if p.resp.Headers != nil {
			for _, raw := range p.resp.Headers.Values("Set-Cookie") {
				if strings.HasPrefix(strings.ToLower(strings.TrimSpace(raw)), prefix) {
					return true
				}
			}
		}
		return false
	}}
}

func body(marker string, weight float64) indicator {
	return indicator{name: "body:" + marker, weight: weight, match: func(p *probe) bool {
		return strings.Contains(p.lowerBody, marker)
	}}
}

func selector(sel string, weight float64) indicator {
	return indicator{name: "selector:" + sel, weight: weight, match: func(p *probe) bool {
		doc := p.document()
		return doc != nil && doc.Find(sel).Length() > 0
	}}
}

func title(contains string, weight float64) indicator {
	return indicator{name: "title:" + contains, weight: weight, match: func(p *probe) bool {
		doc := p.document()
		return doc != nil && strings.Contains(doc.Find("title").First().Text(), contains)
	}}
}

func status(weight float64, codes ...int) indicator {
	return indicator{name: "status", weight: weight, match: func(p *probe) bool {
		for _, c := range codes {
			if p.resp.StatusCode == c {
				return true
			}
		}
		return false
	}}
}

// signatures is ordered so that on equal scores the more specific type wins.
var signatures = []signature{
	{
		typ: TypeTurnstile, requiresJS: true, requiresHuman: true,
		indicators: []indicator{
			body("challenges.cloudflare.com/turnstile", 0.6),
			selector("div.cf-turnstile", 0.4),
			body("cf-turnstile", 0.2),
			header("cf-mitigated", "challenge", 0.2),
		},
	},
	{
		typ: TypeCloudflare, requiresJS: true,
		indicators: []indicator{
			header("cf-mitigated", "challenge", 0.6),
			body("cf_chl_opt", 0.5),
			body("/cdn-cgi/challenge-platform/", 0.4),
			selector("form#challenge-form", 0.4),
			selector("#cf-challenge-running", 0.3),
			title("just a moment", 0.3),
			title("attention required! | cloudflare", 0.5),
			body("cf-browser-verification", 0.4),
			header("server", "cloudflare", 0.1),
			header("cf-ray", "", 0.05),
			status(0.1, http.StatusForbidden, http.StatusServiceUnavailable),
		},
	},
	{
		typ: TypeDataDome, requiresJS: true, requiresHuman: true,
		indicators: []indicator{
			body("geo.captcha-delivery.com", 0.6),
			body("captcha-delivery.com", 0.3),
			header("x-datadome", "", 0.4),
			header("x-dd-b", "", 0.2),
			cookie("datadome", 0.3),
			body("datadome", 0.2),
			status(0.1, http.StatusForbidden),
		},
	},
	{
		typ: TypePerimeterX, requiresJS: true, requiresHuman: true, hard: true,
		indicators: []indicator{
			selector("#px-captcha", 0.6),
			body("px-captcha", 0.4),
			body("press & hold", 0.3),
			body("_pxappid", 0.3),
			body("perimeterx", 0.3),
			cookie("_px", 0.2),
			body("human verification", 0.1),
			status(0.1, http.StatusForbidden),
		},
	},
	{
		typ: TypeImperva, requiresJS: true, hard: true,
		indicators: []indicator{
			body("_incapsula_resource", 0.6),
			body("incapsula incident id", 0.5),
			header("x-iinfo", "", 0.3),
			header("x-cdn", "incapsula", 0.3),
			cookie("visid_incap", 0.2),
			cookie("incap_ses", 0.2),
			status(0.1, http.StatusForbidden),
		},
	},
	{
		typ: TypeAkamai, requiresJS: true, hard: true,
		indicators: []indicator{
			header("server", "akamaighost", 0.3),
			body("reference #", 0.2),
			title("access denied", 0.3),
			body("you don't have permission to access", 0.3),
			body("errors.edgesuite.net", 0.4),
			cookie("_abck", 0.1),
			cookie("bm_sz", 0.1),
			status(0.2, http.StatusForbidden),
		},
	},
	{
		typ: TypeCaptcha, requiresJS: true, requiresHuman: true,
		indicators: []indicator{
			selector("div.g-recaptcha", 0.4),
			selector("div.h-captcha", 0.4),
			selector(`iframe[src*="captcha"]`, 0.3),
			body("recaptcha/api.js", 0.3),
			body("hcaptcha.com/1/api.js", 0.3),
			body("verify you are human", 0.3),
			body("are you a robot", 0.3),
			status(0.1, http.StatusForbidden, http.StatusTooManyRequests),
		},
	},
	{
		typ: TypeUnknown,
		indicators: []indicator{
			body("access denied", 0.25),
			body("request blocked", 0.3),
			body("unusual traffic", 0.3),
			body("automated access", 0.25),
			body("bot detected", 0.3),
			status(0.2, http.StatusForbidden, http.StatusServiceUnavailable),
		},
	},
}

// interstitialMarkers are JS challenge pages that clear themselves in a real
// browser after a few seconds.
var interstitialMarkers = []string{
	"cf_chl_opt",
	"/cdn-cgi/challenge-platform/",
	"cf-browser-verification",
	"<title>just a moment",
	"checking your browser",
	"_incapsula_resource",
	"geo.captcha-delivery.com/interstitial",
}
