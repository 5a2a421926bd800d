package observer

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Tier groups dialog categories by priority. Site categories are always
// checked before generic ones.
type Tier string

const (
	TierSite    Tier = "site"
	TierGeneric Tier = "generic"
)

// ProbeKind selects the query language of a probe expression.
type ProbeKind string

const (
	ProbeXPath ProbeKind = "xpath"
	ProbeCSS   ProbeKind = "css"
)

// Category identifies a dialog or transition pattern.
type Category string

// Dialog categories known to the built-in catalog.
const (
	CategoryLoginRequired      Category = "login_required"
	CategoryCookiesConsent     Category = "cookies_consent"
	CategoryNotificationPopup  Category = "notification_popup"
	CategorySaveInfoOnetap     Category = "save_info_onetap"
	CategoryAgeVerification    Category = "age_verification"
	CategoryRateLimit          Category = "rate_limit"
	CategoryCaptcha            Category = "captcha"
	CategorySuspiciousActivity Category = "suspicious_activity"
	CategoryAccountSuspended   Category = "account_suspended"
	CategoryChallengeRequired  Category = "challenge_required"
	CategoryPopupModal         Category = "popup_modal"
	CategoryCloseButtons       Category = "close_buttons"
	CategoryOverlay            Category = "overlay"
)

// Transition categories known to the built-in catalog.
const (
	TransitionOnetapSaveInfo    Category = "onetap_save_info"
	TransitionChallengeRedirect Category = "challenge_redirect"
	TransitionBlockedPage       Category = "blocked_page"
	TransitionErrorPage         Category = "error_page"
)

// Probe is a structural query evaluated against the live page.
type Probe struct {
	Kind ProbeKind `yaml:"kind,omitempty" json:"kind,omitempty"`
	Expr string    `yaml:"expr" json:"expr"`
}

// XPath builds an XPath probe.
func XPath(expr string) Probe { return Probe{Kind: ProbeXPath, Expr: expr} }

// CSS builds a CSS selector probe.
func CSS(expr string) Probe { return Probe{Kind: ProbeCSS, Expr: expr} }

func (p Probe) String() string {
	if p.Kind == "" || p.Kind == ProbeXPath {
		return p.Expr
	}
	return string(p.Kind) + ":" + p.Expr
}

// DialogCategory is one row of the dialog table. Any visible probe means the
// category is on screen.
type DialogCategory struct {
	ID     Category `yaml:"id" json:"id"`
	Tier   Tier     `yaml:"tier" json:"tier"`
	Probes []Probe  `yaml:"probes" json:"probes"`
}

// Catalog is the read-only pattern table driving detection. Slice order is
// priority order.
type Catalog struct {
	Version     string           `yaml:"version" json:"version"`
	Dialogs     []DialogCategory `yaml:"dialogs" json:"dialogs"`
	Transitions []TransitionRule `yaml:"transitions" json:"transitions"`
}

// Tier returns the dialog categories of one tier in catalog order.
func (c *Catalog) Tier(t Tier) []DialogCategory {
	out := make([]DialogCategory, 0, len(c.Dialogs))
	for _, d := range c.Dialogs {
		if d.Tier == t {
			out = append(out, d)
		}
	}
	return out
}

// Dialog looks up a dialog category by id.
func (c *Catalog) Dialog(id Category) (DialogCategory, bool) {
	for _, d := range c.Dialogs {
		if d.ID == id {
			return d, true
		}
	}
	return DialogCategory{}, false
}

// Validate checks ids, tiers and probe kinds.
func (c *Catalog) Validate() error {
	if len(c.Dialogs) == 0 && len(c.Transitions) == 0 {
		return errors.New("catalog is empty")
	}
	seen := make(map[Category]bool)
	for i, d := range c.Dialogs {
		if d.ID == "" {
			return fmt.Errorf("dialogs[%d]: id is required", i)
		}
		if seen[d.ID] {
			return fmt.Errorf("dialogs[%d]: duplicate id %q", i, d.ID)
		}
		seen[d.ID] = true
		if d.Tier != TierSite && d.Tier != TierGeneric {
			return fmt.Errorf("dialog %q: unknown tier %q", d.ID, d.Tier)
		}
		if len(d.Probes) == 0 {
			return fmt.Errorf("dialog %q: at least one probe is required", d.ID)
		}
		for j, p := range d.Probes {
			if p.Expr == "" {
				return fmt.Errorf("dialog %q probe %d: expr is required", d.ID, j)
			}
			if p.Kind != "" && p.Kind != ProbeXPath && p.Kind != ProbeCSS {
				return fmt.Errorf("dialog %q probe %d: unknown kind %q", d.ID, j, p.Kind)
			}
		}
	}
	seenT := make(map[Category]bool)
	for i, r := range c.Transitions {
		if r.ID == "" {
			return fmt.Errorf("transitions[%d]: id is required", i)
		}
		if seenT[r.ID] {
			return fmt.Errorf("transitions[%d]: duplicate id %q", i, r.ID)
		}
		seenT[r.ID] = true
		if len(r.ContainsAny) == 0 {
			return fmt.Errorf("transition %q: contains_any is required", r.ID)
		}
	}
	return nil
}

// LoadCatalog reads a catalog from a YAML file.
func LoadCatalog(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var c Catalog
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	for i := range c.Dialogs {
		for j := range c.Dialogs[i].Probes {
			if c.Dialogs[i].Probes[j].Kind == "" {
				c.Dialogs[i].Probes[j].Kind = ProbeXPath
			}
		}
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return &c, nil
}

// DefaultCatalog returns the built-in pattern table for the Instagram web
// client plus generic modal patterns. Each call returns a fresh copy.
func DefaultCatalog() *Catalog {
	return &Catalog{
		Version: "1",
		Dialogs: []DialogCategory{
			{ID: CategoryLoginRequired, Tier: TierSite, Probes: []Probe{
				XPath("//div[contains(text(), 'Log in to continue')]"),
				XPath("//div[contains(text(), 'You must log in to continue')]"),
				XPath("//button[contains(text(), 'Log In')]"),
			}},
			{ID: CategoryCookiesConsent, Tier: TierSite, Probes: []Probe{
				XPath("//button[contains(text(), 'Accept')]"),
				XPath("//button[contains(text(), 'Allow')]"),
				XPath("//div[contains(text(), 'cookies')]//button"),
				XPath("//button[contains(text(), 'Accept All')]"),
			}},
			{ID: CategoryNotificationPopup, Tier: TierSite, Probes: []Probe{
				XPath("//div[contains(text(), 'notifications')]"),
				XPath("//button[contains(text(), 'Not Now')]"),
			}},
			{ID: CategorySaveInfoOnetap, Tier: TierSite, Probes: []Probe{
				XPath("//button[contains(text(), 'Save Info')]"),
				XPath("//button[contains(text(), 'Not Now')]"),
			}},
			{ID: CategoryAgeVerification, Tier: TierSite, Probes: []Probe{
				XPath("//button[contains(text(), 'I am 18 or older')]"),
				XPath("//button[contains(text(), 'Continue')]"),
				XPath("//select[@name='birthday_month']"),
			}},
			{ID: CategoryRateLimit, Tier: TierSite, Probes: []Probe{
				XPath("//div[contains(text(), 'Try again later')]"),
				XPath("//div[contains(text(), 'Please wait')]"),
				XPath("//div[contains(text(), 'temporary')]"),
				XPath("//div[contains(text(), 'blocked')]"),
			}},
			{ID: CategoryCaptcha, Tier: TierSite, Probes: []Probe{
				XPath("//div[contains(text(), 'security check')]"),
				XPath("//div[contains(text(), 'verification')]"),
				XPath("//iframe[contains(@src, 'recaptcha')]"),
				XPath("//div[@class='g-recaptcha']"),
			}},
			{ID: CategorySuspiciousActivity, Tier: TierSite, Probes: []Probe{
				XPath("//div[contains(text(), 'suspicious activity')]"),
				XPath("//div[contains(text(), 'unusual activity')]"),
				XPath("//button[contains(text(), 'This Was Me')]"),
			}},
			{ID: CategoryAccountSuspended, Tier: TierSite, Probes: []Probe{
				XPath("//div[contains(text(), 'account has been')]"),
				XPath("//div[contains(text(), 'suspended')]"),
				XPath("//div[contains(text(), 'disabled')]"),
			}},
			{ID: CategoryChallengeRequired, Tier: TierSite, Probes: []Probe{
				XPath("//div[contains(text(), 'challenge')]"),
				XPath("//div[contains(text(), 'verify')]"),
				XPath("//div[contains(text(), 'confirm')]"),
				XPath("//input[@name='email']"),
				XPath("//input[@name='phone']"),
			}},
			{ID: CategoryPopupModal, Tier: TierGeneric, Probes: []Probe{
				XPath("//div[@role='dialog']"),
				XPath("//div[contains(@class, 'modal')]"),
				XPath("//div[contains(@class, 'popup')]"),
			}},
			{ID: CategoryCloseButtons, Tier: TierGeneric, Probes: []Probe{
				XPath("//button[@aria-label='Close']"),
				XPath("//button[contains(@class, 'close')]"),
				XPath("//span[contains(@class, 'close')]"),
				XPath("//button[text()='×']"),
			}},
			{ID: CategoryOverlay, Tier: TierGeneric, Probes: []Probe{
				XPath("//div[contains(@class, 'overlay')]"),
				XPath("//div[contains(@class, 'backdrop')]"),
			}},
		},
		Transitions: []TransitionRule{
			{ID: TransitionOnetapSaveInfo, ContainsAny: []string{"accounts/onetap"}},
			{ID: TransitionChallengeRedirect, ContainsAny: []string{"/challenge"}, ExcludesAny: []string{"two_factor"}},
			{ID: TransitionBlockedPage, ContainsAny: []string{"blocked"}},
			{ID: TransitionErrorPage, ContainsAny: []string{"error", "404"}},
		},
	}
}
