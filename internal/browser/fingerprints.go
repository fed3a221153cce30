package browser

import (
	"encoding/json"
	"fmt"

	"github.com/Harvey-AU/stealth-bee/internal/fetch"
)

// Fingerprint is the navigator and rendering surface a page presents.
type Fingerprint struct {
	Name                string   `json:"name"`
	UserAgent           string   `json:"user_agent"`
	Platform            string   `json:"platform"`
	Languages           []string `json:"languages"`
	HardwareConcurrency int      `json:"hardware_concurrency"`
	DeviceMemory        int      `json:"device_memory"`
	WebGLVendor         string   `json:"webgl_vendor"`
	WebGLRenderer       string   `json:"webgl_renderer"`
	Width               int      `json:"width"`
	Height              int      `json:"height"`
	Mobile              bool     `json:"mobile"`
}

var desktopFingerprints = []Fingerprint{
	{
		Name:                "win-chrome-nvidia",
		UserAgent:           "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		Platform:            "Win32",
		Languages:           []string{"en-AU", "en-GB", "en"},
		HardwareConcurrency: 8,
		DeviceMemory:        8,
		WebGLVendor:         "Google Inc. (NVIDIA)",
		WebGLRenderer:       "ANGLE (NVIDIA, NVIDIA GeForce GTX 1660 SUPER Direct3D11 vs_5_0 ps_5_0, D3D11)",
		Width:               1920,
		Height:              1080,
	},
	{
		Name:                "mac-chrome-m1",
		UserAgent:           "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		Platform:            "MacIntel",
		Languages:           []string{"en-AU", "en"},
		HardwareConcurrency: 8,
		DeviceMemory:        8,
		WebGLVendor:         "Google Inc. (Apple)",
		WebGLRenderer:       "ANGLE (Apple, Apple M1, OpenGL 4.1)",
		Width:               1440,
		Height:              900,
	},
	{
		Name:                "win-chrome-intel",
		UserAgent:           "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36",
		Platform:            "Win32",
		Languages:           []string{"en-US", "en"},
		HardwareConcurrency: 4,
		DeviceMemory:        4,
		WebGLVendor:         "Google Inc. (Intel)",
		WebGLRenderer:       "ANGLE (Intel, Intel(R) UHD Graphics 620 Direct3D11 vs_5_0 ps_5_0, D3D11)",
		Width:               1366,
		Height:              768,
	},
}

var mobileFingerprints = []Fingerprint{
	{
		Name:                "android-pixel",
		UserAgent:           "Mozilla/5.0 (Linux; Android 14; Pixel 7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Mobile Safari/537.36",
		Platform:            "Linux armv8l",
		Languages:           []string{"en-AU", "en"},
		HardwareConcurrency: 8,
		DeviceMemory:        8,
		WebGLVendor:         "Qualcomm",
		WebGLRenderer:       "Adreno (TM) 730",
		Width:               412,
		Height:              915,
		Mobile:              true,
	},
	{
		Name:                "android-galaxy",
		UserAgent:           "Mozilla/5.0 (Linux; Android 13; SM-S911B) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Mobile Safari/537.36",
		Platform:            "Linux armv8l",
		Languages:           []string{"en-GB", "en"},
		HardwareConcurrency: 8,
		DeviceMemory:        8,
		WebGLVendor:         "Qualcomm",
		WebGLRenderer:       "Adreno (TM) 740",
		Width:               360,
		Height:              780,
		Mobile:              true,
	},
}

// Fingerprints returns the fingerprint set for a device class.
func Fingerprints(device fetch.Device) []Fingerprint {
	if device == fetch.DeviceMobile {
		return mobileFingerprints
	}
	return desktopFingerprints
}

const fingerprintTemplate = `(() => {
  const fp = %s;
  const define = (obj, prop, value) => {
    try { Object.defineProperty(obj, prop, { get: () => value, configurable: true }); } catch (e) {}
  };
  define(navigator, 'webdriver', undefined);
  define(navigator, 'platform', fp.platform);
  define(navigator, 'languages', fp.languages);
  define(navigator, 'language', fp.languages[0]);
  define(navigator, 'hardwareConcurrency', fp.hardware_concurrency);
  define(navigator, 'deviceMemory', fp.device_memory);
  if (navigator.plugins.length === 0 && !fp.mobile) {
    define(navigator, 'plugins', [1, 2, 3, 4, 5].map(i => ({ name: 'Plugin ' + i })));
  }
  const patch = (proto) => {
    if (!proto) return;
    const getParameter = proto.getParameter;
    proto.getParameter = function (p) {
      if (p === 37445) return fp.webgl_vendor;
      if (p === 37446) return fp.webgl_renderer;
      return getParameter.call(this, p);
    };
  };
  patch(window.WebGLRenderingContext && WebGLRenderingContext.prototype);
  patch(window.WebGL2RenderingContext && WebGL2RenderingContext.prototype);
})();`

// Script returns the init script applying fp to every new document.
func (fp Fingerprint) Script() string {
	data, err := json.Marshal(fp)
	if err != nil {
		// Only strings and ints; cannot fail.
		return ""
	}
	return fmt.Sprintf(fingerprintTemplate, data)
}
