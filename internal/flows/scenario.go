package flows

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Microsoft sign-in page selectors.
const (
	selUsername    = "#i0116"
	selPassword    = "#i0118"
	selSubmit      = "#idSIButton9"
	selOfficeLogin = "#mectrl_headerPicture"
	selCopilotTile = "#d870f6cd-4aa5-4d42-9626-ab690c041429"
	selTeamsSwitch = "#ngdialog1 button"
	selTeamsChat   = "#title-chat-list-item_bizChatMetaOSChatListEntryPoint"
)

const (
	officeURL  = "https://www.office.com/"
	outlookURL = "https://outlook.office.com/mail/"
	teamsURL   = "https://teams.microsoft.com/_"
)

// Credentials for the account being signed in.
type Credentials struct {
	User     string
	Password string
}

// Validate checks both fields are present.
func (c Credentials) Validate() error {
	var missing []string
	if strings.TrimSpace(c.User) == "" {
		missing = append(missing, "user")
	}
	if c.Password == "" {
		missing = append(missing, "password")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required argument(s): %s", strings.Join(missing, ", "))
	}
	return nil
}

// Pacing holds the fixed delays that keep the sign-in pages in sync.
type Pacing struct {
	// Settle is the short pause between sign-in form actions.
	Settle time.Duration
	// AfterPhase is the long pause after sign-in and after each navigation hop.
	AfterPhase time.Duration
	// StepTimeout bounds explicit waits for elements.
	StepTimeout time.Duration
}

// DefaultPacing matches what the sign-in pages tolerate in practice.
var DefaultPacing = Pacing{Settle: 2 * time.Second, AfterPhase: 10 * time.Second, StepTimeout: 15 * time.Second}

// StorageMatch selects which half of a localStorage entry must contain the scope.
type StorageMatch string

const (
	MatchKey   StorageMatch = "key"
	MatchValue StorageMatch = "value"
)

// Scenario is a sign-in journey that ends on a Copilot surface.
type Scenario struct {
	Name string
	// StorageMatch is the default for storage scans after this journey.
	StorageMatch StorageMatch
	build        func(creds Credentials, p Pacing) []Step
}

// Steps returns the full journey for creds.
func (s Scenario) Steps(creds Credentials, p Pacing) []Step {
	return s.build(creds, p)
}

// ErrUnknownScenario is returned by LookupScenario.
var ErrUnknownScenario = errors.New("unknown scenario")

var scenarios = map[string]Scenario{
	"officeweb": {Name: "officeweb", StorageMatch: MatchKey, build: officeSteps},
	"teamshub":  {Name: "teamshub", StorageMatch: MatchValue, build: teamsSteps},
}

// LookupScenario returns the named scenario.
func LookupScenario(name string) (Scenario, error) {
	s, ok := scenarios[name]
	if !ok {
		return Scenario{}, fmt.Errorf("%w %q (known: %s)", ErrUnknownScenario, name, strings.Join(ScenarioNames(), ", "))
	}
	return s, nil
}

// ScenarioNames lists the registered scenarios.
func ScenarioNames() []string {
	names := make([]string, 0, len(scenarios))
	for name := range scenarios {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MicrosoftLogin is the username, password and "stay signed in" sequence on
// login.microsoftonline.com. The same submit button advances every page.
func MicrosoftLogin(creds Credentials, p Pacing) []Step {
	return []Step{
		WaitVisible(selUsername, p.StepTimeout).WithAnnounce("Starting the login process."),
		Type(selUsername, creds.User),
		WaitVisible(selSubmit, p.StepTimeout),
		ClickJS(selSubmit),
		WaitVisible(selPassword, p.StepTimeout),
		Type(selPassword, creds.Password),
		Sleep(p.Settle),
		Click(selSubmit).WithAnnounce("Logging in."),
		Sleep(p.Settle),
		Click(selSubmit),
		Sleep(p.AfterPhase).WithAnnounce("Completed logging in."),
	}
}

func officeSteps(creds Credentials, p Pacing) []Step {
	steps := []Step{
		Navigate(officeURL),
		Click(selOfficeLogin),
	}
	steps = append(steps, MicrosoftLogin(creds, p)...)
	return append(steps,
		Click(selCopilotTile).WithAnnounce("Starting user journey to Copilot."),
		Sleep(p.AfterPhase),
		Navigate(outlookURL),
		Sleep(p.AfterPhase).WithAnnounce("Completed user journey."),
	)
}

func teamsSteps(creds Credentials, p Pacing) []Step {
	steps := []Step{Navigate(teamsURL)}
	steps = append(steps, MicrosoftLogin(creds, p)...)
	return append(steps,
		// The "switch to the new Teams" prompt only shows for some tenants.
		Click(selTeamsSwitch).AsOptional().WithAnnounce("Starting user journey to Copilot."),
		Sleep(p.AfterPhase),
		Click(selTeamsChat),
		Sleep(p.AfterPhase).WithAnnounce("Completed user journey."),
	)
}
