package driver

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"gridvid/internal/outcome"
)

const DefaultGenerationTimeout = 80 * time.Second

// Script is where the generation page lives and how to find things on it.
// XPath selectors are used where the page offers no stable CSS hook.
type Script struct {
	SignInURL string
	StudioURL string

	EmailInput    string
	EmailNext     string
	PasswordInput string
	PasswordNext  string

	PromptInput    string
	ImageInput     string
	DurationSelect string
	ConfirmXPath   string
	RunButton      string
	Video          string
	QuotaReadout   string
}

func DefaultScript() Script {
	return Script{
		SignInURL: "https://accounts.google.com/v3/signin/identifier?authuser=0" +
			"&continue=https%3A%2F%2Faistudio.google.com%2Fprompts%2Fnew_video" +
			"&flowName=GlifWebSignIn&flowEntry=AddSession",
		StudioURL: "https://aistudio.google.com/prompts/new_video?model=veo-2.0-generate-001",

		EmailInput:    "input[type=email], #identifierId",
		EmailNext:     "#identifierNext",
		PasswordInput: "input[type=password], input[name=Passwd]",
		PasswordNext:  "#passwordNext",

		PromptInput:    `textarea[placeholder="Describe your video"]`,
		ImageInput:     "input[type=file]",
		DurationSelect: `mat-select[id="duration-selector"]`,
		ConfirmXPath:   "//button[.//span[text()='Confirm']]",
		RunButton:      "run-button button:not([disabled])",
		Video:          "video",
		QuotaReadout:   ".remaining-quota",
	}
}

// SignInURLFor adds the hosted-domain hint for non-gmail accounts.
func (s Script) SignInURLFor(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return s.SignInURL
	}
	domain := strings.ToLower(email[at+1:])
	if domain == "" || strings.HasSuffix(domain, "gmail.com") {
		return s.SignInURL
	}
	return s.SignInURL + "&hd=" + url.QueryEscape(domain)
}

func (s Script) DurationOptionXPath(sec int) string {
	return "//mat-option//span[contains(text(), '" + strconv.Itoa(sec) + "s')]"
}

func (s Script) AspectRatioXPath(ratio string) string {
	return "//ms-aspect-ratio-radio-button//button[.//div[contains(@class, 'aspect-ratio-text') and normalize-space(text())='" + ratio + "']]"
}

func isSignInURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Hostname(), "accounts.google.com")
}

// probeJS snapshots what the classifier needs from the page in one round trip.
const probeJS = `(() => {
	const vids = Array.from(document.querySelectorAll('video'));
	const last = vids.length ? vids[vids.length - 1] : null;
	const quota = Array.from(document.querySelectorAll('.remaining-quota')).map(e => (e.textContent || '').trim()).join(' ');
	return {
		text: document.body ? document.body.innerText : '',
		url: location.href,
		video: last ? (last.currentSrc || last.src || '') : '',
		quota: quota
	};
})()`

// fetchAsDataURLJS downloads a URL from inside the page so blob: sources and
// session cookies work.
const fetchAsDataURLJS = `async (src) => {
	const r = await fetch(src);
	if (!r.ok) throw new Error('download failed: ' + r.status);
	const b = await r.blob();
	return await new Promise((resolve, reject) => {
		const fr = new FileReader();
		fr.onloadend = () => resolve(fr.result);
		fr.onerror = () => reject(fr.error);
		fr.readAsDataURL(b);
	});
}`

type probe struct {
	Text  string `json:"text"`
	URL   string `json:"url"`
	Video string `json:"video"`
	Quota string `json:"quota"`
}

func (p probe) signal(started time.Time, budget time.Duration) outcome.Signal {
	return outcome.Signal{
		PageText:     p.Text,
		URL:          p.URL,
		QuotaReadout: p.Quota,
		Elapsed:      time.Since(started),
		Budget:       budget,
	}
}
