package config

import "time"

// Default returns a complete configuration. Only the target URL has no default.
func Default() *Config {
	return &Config{
		Run: RunConfig{
			Headless:          true,
			Backend:           "http",
			MonitoringMinutes: 4,
			MaxRecords:        5,
			RecordsFile:       "data/clients.csv",
			ResultsDSN:        "data/results.db",
			RequestTimeout:    30 * time.Second,
		},
		Log: LogConfig{Level: "info", Pretty: true},
		Delay: DelayConfig{
			BaseMin:              30 * time.Second,
			BaseMax:              60 * time.Second,
			ExtendedMin:          60 * time.Second,
			ExtendedMax:          120 * time.Second,
			ExtendedAfter:        10,
			ChallengeMultiplier:  2,
			BotChallengeSeverity: 2,
			RateLimitSeverity:    3,
			UnknownSeverity:      2,
			ErrorBackoffBase:     60 * time.Second,
			ErrorBackoffCap:      300 * time.Second,
			MaxConsecutiveErrors: 3,
			RecoveryPause:        5 * time.Second,
			ActionMin:            3 * time.Second,
			ActionMax:            8 * time.Second,
			RecheckDuration:      time.Minute,
		},
		Bypass: BypassConfig{
			MaxAttempts: 10,
			Strategies: []string{
				"identity-rotation",
				"proxy-rotation",
				"session-restart",
				"backend-fallback",
				"interaction",
			},
			SettleDelays: []time.Duration{5 * time.Second, 10 * time.Second, 15 * time.Second},
			RestartPause: 3 * time.Second,
			InteractionLocators: []string{
				`input[type="checkbox"]`,
				`button[type="submit"]`,
				`input[type="submit"]`,
				`[role="button"]`,
			},
			BlockBackoffBase:   60 * time.Second,
			BlockBackoffFactor: 1.5,
			BlockBackoffCap:    300 * time.Second,
		},
		Proxy: ProxyConfig{
			Enabled:       true,
			File:          "proxies.txt",
			Quarantine:    30 * time.Minute,
			HealthURL:     "http://httpbin.org/ip",
			HealthTimeout: 10 * time.Second,
			RotationTries: 3,
		},
		Challenge: ChallengeConfig{
			BotPhrases: []string{
				"Checking your browser before accessing",
				"This process is automatic",
				"cf-challenge",
				"cf-browser-verification",
				"DDoS protection by",
				"Verify you are human",
			},
			RateLimitPhrases: []string{
				"Your access has been temporarily restricted",
				"activity from your network is unusual",
				"Acesso restrito devido a atividade incomum",
				"atividade incomum",
				"Too many requests",
			},
		},
		Slots: SlotConfig{
			Locators: []string{
				`[data-testid="appointment-slot"]`,
				`[data-testid="available-slot"]`,
				`.appointment-slot`,
				`.available-slot`,
				`.time-slot`,
				`.calendar-day.available`,
				`input[type="radio"][name*="slot"]`,
				`[class*="slot"][class*="available"]`,
				`button[class*="slot"]`,
			},
			NoSlotLocators: []string{
				`.no-appointments`,
				`.no-slots`,
				`.fully-booked`,
			},
			NoSlotPhrases: []string{
				"no appointments",
				"no slots",
				"fully booked",
				"not available",
			},
			AvailablePhrases: []string{
				"book appointment",
				"select time",
				"available dates",
				"choose slot",
			},
			OptimisticGuess: true,
		},
		Booking: BookingConfig{
			Fields: []FieldConfig{
				{Name: "first_name", Kind: "input", Mandatory: true, Locators: []string{
					`input[name="firstName"]`, `input[name="first_name"]`, `input[name="givenName"]`, `#firstName`,
				}},
				{Name: "last_name", Kind: "input", Mandatory: true, Locators: []string{
					`input[name="lastName"]`, `input[name="last_name"]`, `input[name="surname"]`, `#lastName`,
				}},
				{Name: "email", Kind: "input", Mandatory: true, Locators: []string{
					`input[name="email"]`, `input[name="emailAddress"]`, `input[type="email"]`, `#email`,
				}},
				{Name: "phone", Kind: "input", Locators: []string{
					`input[name="phone"]`, `input[name="phoneNumber"]`, `input[name="mobile"]`, `#phone`,
				}},
				{Name: "passport_number", Kind: "input", Locators: []string{
					`input[name="passportNumber"]`, `input[name="passport"]`, `#passportNumber`,
				}},
				{Name: "nationality", Kind: "select", Locators: []string{
					`select[name="nationality"]`, `select[name="country"]`, `#nationality`,
				}},
				{Name: "service_type", Kind: "select", Locators: []string{
					`select[name="visaType"]`, `select[name="serviceType"]`, `#visaType`,
				}},
				{Name: "date_of_birth", Kind: "input", Locators: []string{
					`input[name="dateOfBirth"]`, `input[name="dob"]`, `#dateOfBirth`,
				}},
			},
			SubmitLocators:   []string{`button[type="submit"]`, `input[type="submit"]`},
			ConfirmLocator:   ".booking-confirmation, .confirmation-number",
			ReferenceLocator: ".booking-reference, .confirmation-number",
			ConfirmTimeout:   10 * time.Second,
			MaxAttempts:      2,
			TypingDelayMin:   50 * time.Millisecond,
			TypingDelayMax:   150 * time.Millisecond,
		},
		Pacing: PacingConfig{RequestsPerSecond: 0.5, Burst: 2},
	}
}
