package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rdrf/rdrf/internal/domain/calculation"
	"github.com/rdrf/rdrf/internal/domain/constructor"
	"github.com/rdrf/rdrf/internal/domain/validation"
	"github.com/rdrf/rdrf/internal/platform/form"
)

// scenario is a scripted data-entry session:
//
//	form: {name: clinical, sections: [...]}
//	patient: {patient_date_of_birth: "1990-01-01", patient_sex: "F"}
//	calculations:
//	  - {observer: BMI, inputs: [HEIGHT, WEIGHT]}
//	validations:
//	  - {field: POSTCODE, command: "pattern:POSTCODE"}
//	steps:
//	  - {action: input, field: HEIGHT, value: "180"}
//	  - {action: wait, pause: 500ms}
type scenario struct {
	Form         form.Definition            `yaml:"form"`
	Patient      calculation.PatientContext `yaml:"patient"`
	Calculations []calculation.Registration `yaml:"calculations"`
	Validations  []validationRule           `yaml:"validations"`
	Steps        []step                     `yaml:"steps"`
}

type validationRule struct {
	Field   string `yaml:"field"`
	Command string `yaml:"command"`
}

// step actions: input, commit, wait, duplicate, construct.
type step struct {
	Action  string        `yaml:"action"`
	Field   string        `yaml:"field"`
	Value   string        `yaml:"value"`
	Section string        `yaml:"section"`
	Name    string        `yaml:"name"`
	URL     string        `yaml:"url"`
	Pause   time.Duration `yaml:"pause"`
}

func loadScenario(r io.Reader) (*scenario, error) {
	var sc scenario
	if err := yaml.NewDecoder(r).Decode(&sc); err != nil {
		return nil, fmt.Errorf("decode scenario: %w", err)
	}
	if len(sc.Calculations) == 0 {
		return nil, errors.New("scenario declares no calculations")
	}
	return &sc, nil
}

type simOptions struct {
	ComputeEndpoint  string
	ValidateEndpoint string
	TokenURL         string
	Debounce         time.Duration
	MaxDepth         int
	Policy           calculation.StalePolicy
	ComputeTimeout   time.Duration
	WaitTimeout      time.Duration
}

func simulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Replay a scripted form session against a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("form")
			tokenURL, _ := cmd.Flags().GetString("token-url")
			waitTimeout, _ := cmd.Flags().GetDuration("wait-timeout")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)
			policy, _ := cfg.StalePolicy()

			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("open scenario: %w", err)
			}
			defer f.Close()
			sc, err := loadScenario(f)
			if err != nil {
				return err
			}

			if tokenURL == "" {
				if tokenURL, err = tokenURLFor(cfg.ComputeEndpoint); err != nil {
					return err
				}
			}
			opts := simOptions{
				ComputeEndpoint:  cfg.ComputeEndpoint,
				ValidateEndpoint: cfg.ValidateEndpoint,
				TokenURL:         tokenURL,
				Debounce:         cfg.DebounceWindow,
				MaxDepth:         cfg.CascadeMaxDepth,
				Policy:           policy,
				ComputeTimeout:   cfg.ComputeTimeout,
				WaitTimeout:      waitTimeout,
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return runSimulation(ctx, sc, opts, logger, cmd.OutOrStdout())
		},
	}
	cmd.Flags().String("form", "scenario.yaml", "Path to the scenario file")
	cmd.Flags().String("token-url", "", "CSRF token endpoint (default: derived from COMPUTE_ENDPOINT)")
	cmd.Flags().Duration("wait-timeout", 30*time.Second, "How long to wait for outstanding calculations")
	return cmd
}

// tokenURLFor derives the CSRF token endpoint served next to the compute
// endpoint.
func tokenURLFor(computeEndpoint string) (string, error) {
	u, err := url.Parse(computeEndpoint)
	if err != nil {
		return "", fmt.Errorf("parse compute endpoint: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("compute endpoint %q must be an absolute URL", computeEndpoint)
	}
	u.Path = "/api/v1/csrf"
	u.RawQuery = ""
	return u.String(), nil
}

// fetchToken reads a CSRF token. The cookie that pairs with it stays in hc's
// jar.
func fetchToken(ctx context.Context, hc *http.Client, tokenURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tokenURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch csrf token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch csrf token: status %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode csrf token: %w", err)
	}
	tok := body[form.TokenFieldName]
	if tok == "" {
		return "", errors.New("csrf token response carried no token")
	}
	return tok, nil
}

func runSimulation(ctx context.Context, sc *scenario, opts simOptions, logger zerolog.Logger, out io.Writer) error {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return err
	}
	hc := &http.Client{Jar: jar}

	def := sc.Form
	if def.CSRFToken == "" && opts.TokenURL != "" {
		tok, err := fetchToken(ctx, hc, opts.TokenURL)
		if err != nil {
			return err
		}
		def.CSRFToken = tok
	}
	f, err := def.Build()
	if err != nil {
		return fmt.Errorf("build form: %w", err)
	}

	client := calculation.NewClient(opts.ComputeEndpoint, f,
		calculation.WithHTTPClient(hc),
		calculation.WithTimeout(opts.ComputeTimeout),
	)
	ctrlOpts := []calculation.Option{calculation.WithLogger(logger)}
	if opts.Debounce > 0 {
		ctrlOpts = append(ctrlOpts, calculation.WithDebounce(opts.Debounce))
	}
	if opts.MaxDepth > 0 {
		ctrlOpts = append(ctrlOpts, calculation.WithMaxCascadeDepth(opts.MaxDepth))
	}
	if opts.Policy != "" {
		ctrlOpts = append(ctrlOpts, calculation.WithStalePolicy(opts.Policy))
	}
	ctrl := calculation.NewController(f, client, ctrlOpts...)
	defer ctrl.Close()

	for _, reg := range sc.Calculations {
		if reg.DateOfBirth == "" && reg.Sex == "" {
			reg.PatientContext = sc.Patient
		}
		if err := ctrl.Register(reg); err != nil {
			return fmt.Errorf("register %s: %w", reg.Observer, err)
		}
	}

	popups := constructor.NewPopups()
	for i, st := range sc.Steps {
		if err := runStep(ctx, f, ctrl, popups, st); err != nil {
			return fmt.Errorf("step %d (%s): %w", i+1, st.Action, err)
		}
	}

	waitCtx := ctx
	if opts.WaitTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, opts.WaitTimeout)
		defer cancel()
	}
	if err := ctrl.Wait(waitCtx); err != nil {
		return fmt.Errorf("wait for calculations: %w", err)
	}

	if len(sc.Validations) > 0 && opts.ValidateEndpoint != "" {
		vc := validation.NewClient(opts.ValidateEndpoint, f,
			validation.WithHTTPClient(hc),
			validation.WithLogger(logger),
		)
		for _, rule := range sc.Validations {
			c, ok := f.First(rule.Field)
			if !ok {
				return fmt.Errorf("validate: field %s not found", rule.Field)
			}
			// Faults are logged and leave the indicator unchanged.
			_, _ = vc.Validate(ctx, c, rule.Command)
		}
	}

	printForm(out, f)
	return nil
}

func runStep(ctx context.Context, f *form.Form, ctrl *calculation.Controller, popups *constructor.Popups, st step) error {
	switch st.Action {
	case "input", "commit":
		c, ok := f.First(st.Field)
		if !ok {
			return fmt.Errorf("field %s not found", st.Field)
		}
		if st.Action == "input" {
			c.Input(st.Value)
		} else {
			c.Commit(st.Value)
		}
	case "wait":
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(st.Pause):
		}
	case "duplicate":
		if _, err := f.DuplicateSection(st.Section); err != nil {
			return err
		}
		ctrl.Rebind()
	case "construct":
		c, ok := f.First(st.Field)
		if !ok {
			return fmt.Errorf("field %s not found", st.Field)
		}
		name := st.Name
		if name == "" {
			name = st.Field
		}
		u := st.URL
		if u == "" {
			u = "/constructors/" + url.PathEscape(name)
		}
		if _, err := constructor.Launch(popups, c, name, u); err != nil {
			return err
		}
		p, _ := popups.Get("Construct " + name)
		return p.UpdateParentForm(st.Value)
	default:
		return fmt.Errorf("unknown action %q", st.Action)
	}
	return nil
}

func printForm(w io.Writer, f *form.Form) {
	for _, code := range f.Codes() {
		if code == form.TokenFieldName {
			continue
		}
		for _, c := range f.Lookup(code) {
			fmt.Fprintf(w, "%-50s %-20s %s\n", c.ID, c.Value(), c.Validity())
		}
	}
}
