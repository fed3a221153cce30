package stealth

import (
	"github.com/Harvey-AU/stealth-bee/internal/fetch"
	"github.com/bogdanfinn/tls-client/profiles"
)

// Identity pairs a TLS/HTTP2 client profile with the headers the same browser
// would send, in the order it sends them.
type Identity struct {
	Name      string
	Profile   profiles.ClientProfile
	UserAgent string
	Headers   [][2]string // ordered; the user-agent value comes from UserAgent
	Mobile    bool
}

const (
	acceptHTML     = "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8,application/signed-exchange;v=b3;q=0.7"
	acceptHTMLMoz  = "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8"
	acceptLanguage = "en-AU,en-GB;q=0.9,en-US;q=0.8,en;q=0.7"
)

func chromeHeaders(brand, platform, mobile string) [][2]string {
	return [][2]string{
		{"sec-ch-ua", brand},
		{"sec-ch-ua-mobile", mobile},
		{"sec-ch-ua-platform", platform},
		{"upgrade-insecure-requests", "1"},
		{"user-agent", ""},
		{"accept", acceptHTML},
		{"sec-fetch-site", "none"},
		{"sec-fetch-mode", "navigate"},
		{"sec-fetch-user", "?1"},
		{"sec-fetch-dest", "document"},
		{"accept-encoding", "gzip, deflate, br"},
		{"accept-language", acceptLanguage},
	}
}

var desktopIdentities = []Identity{
	{
		Name:      "chrome-120-windows",
		Profile:   profiles.Chrome_120,
		UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		Headers:   chromeHeaders(`"Not_A Brand";v="8", "Chromium";v="120", "Google Chrome";v="120"`, `"Windows"`, "?0"),
	},
	{
		Name:      "chrome-117-macos",
		Profile:   profiles.Chrome_117,
		UserAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/117.0.0.0 Safari/537.36",
		Headers:   chromeHeaders(`"Google Chrome";v="117", "Not;A=Brand";v="8", "Chromium";v="117"`, `"macOS"`, "?0"),
	},
	{
		Name:      "firefox-120-windows",
		Profile:   profiles.Firefox_120,
		UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:120.0) Gecko/20100101 Firefox/120.0",
		Headers: [][2]string{
			{"user-agent", ""},
			{"accept", acceptHTMLMoz},
			{"accept-language", acceptLanguage},
			{"accept-encoding", "gzip, deflate, br"},
			{"upgrade-insecure-requests", "1"},
			{"sec-fetch-dest", "document"},
			{"sec-fetch-mode", "navigate"},
			{"sec-fetch-site", "none"},
			{"sec-fetch-user", "?1"},
		},
	},
	{
		Name:      "safari-16-macos",
		Profile:   profiles.Safari_16_0,
		UserAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.6 Safari/605.1.15",
		Headers: [][2]string{
			{"user-agent", ""},
			{"accept", acceptHTMLMoz},
			{"accept-language", acceptLanguage},
			{"accept-encoding", "gzip, deflate, br"},
		},
	},
}

var mobileIdentities = []Identity{
	{
		Name:      "safari-ios-17",
		Profile:   profiles.Safari_IOS_17_0,
		UserAgent: "Mozilla/5.0 (iPhone; CPU iPhone OS 17_1 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Mobile/15E148 Safari/604.1",
		Headers: [][2]string{
			{"user-agent", ""},
			{"accept", acceptHTMLMoz},
			{"sec-fetch-site", "none"},
			{"accept-encoding", "gzip, deflate, br"},
			{"sec-fetch-mode", "navigate"},
			{"accept-language", acceptLanguage},
			{"sec-fetch-dest", "document"},
		},
		Mobile: true,
	},
	{
		Name:      "safari-ios-16",
		Profile:   profiles.Safari_IOS_16_0,
		UserAgent: "Mozilla/5.0 (iPhone; CPU iPhone OS 16_6 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.6 Mobile/15E148 Safari/604.1",
		Headers: [][2]string{
			{"user-agent", ""},
			{"accept", acceptHTMLMoz},
			{"accept-language", acceptLanguage},
			{"accept-encoding", "gzip, deflate, br"},
		},
		Mobile: true,
	},
}

// Identities returns the identity set for a device class.
func Identities(device fetch.Device) []Identity {
	if device == fetch.DeviceMobile {
		return mobileIdentities
	}
	return desktopIdentities
}
