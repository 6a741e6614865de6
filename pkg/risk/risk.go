// Package risk deterministically scores plan steps. Scoring is a pure
// function of the step contents so a stored plan always re-scores to the
// same values it was approved with.
package risk

import (
	"math"
	"regexp"
	"strings"

	"github.com/leash-dev/leash/pkg/contracts"
)

// Flags attached by the scoring rules.
const (
	FlagPotentialSecretFile      = "potential_secret_file"
	FlagShellProfileModification = "shell_profile_modification"
	FlagDotfileModification      = "dotfile_modification"
	FlagBulkDelete               = "bulk_delete"
	FlagSudo                     = "sudo"
	FlagRM                       = "rm"
	FlagRedirection              = "redirection"
	FlagPipe                     = "pipe"
	FlagCurlPipeSh               = "curl_pipe_sh"
	FlagChmodRisky               = "chmod_risky"
	FlagIPLiteral                = "ip_literal"
	FlagSuspiciousTLD            = "suspicious_tld"
)

// Classification bands for a total risk score.
const (
	ClassLow    = "low"
	ClassMedium = "medium"
	ClassHigh   = "high"
)

var (
	secretSuffixes = []string{".env", ".key", ".pem", ".p12", ".sqlite", ".db", ".secret", ".credentials"}

	shellProfilePaths = []string{
		"/.zshrc", "/.bashrc", "/.bash_profile", "/.profile",
		"/.ssh/config", "/.ssh/authorized_keys",
	}

	suspiciousTLDs = []string{".ru", ".cn", ".top", ".xyz", ".tk", ".pw", ".cc"}

	rmWordRe     = regexp.MustCompile(`\brm\b`)
	curlPipeShRe = regexp.MustCompile(`curl.*\|.*sh`)
	wgetPipeShRe = regexp.MustCompile(`wget.*\|.*sh`)
	ipLiteralRe  = regexp.MustCompile(`^\d+\.\d+\.\d+\.\d+`)
)

var baseScores = map[contracts.StepType]int{
	contracts.StepFSList:   2,
	contracts.StepFSRead:   5,
	contracts.StepFSMove:   25,
	contracts.StepFSWrite:  20,
	contracts.StepFSDelete: 55,
	contracts.StepShellRun: 35,
	contracts.StepNetAllow: 15,
}

// StepScore is the result of scoring one step.
type StepScore struct {
	Score int      `json:"score"`
	Flags []string `json:"flags"`
}

// Summary aggregates step scores across a plan.
type Summary struct {
	TotalRiskScore int      `json:"totalRiskScore"`
	Classification string   `json:"classification"`
	High           int      `json:"high"`
	Medium         int      `json:"medium"`
	Low            int      `json:"low"`
	FlagsTop       []string `json:"flagsTop"`
}

// ScoreStep computes the risk score and flag set for a single step.
// Flags already present on the step (policy flags like path_denied) are
// preserved and contribute floor scores.
func ScoreStep(step contracts.PlanStep) StepScore {
	score := baseScores[step.Type]
	flags := append([]string{}, step.RiskFlags...)

	add := func(delta int, flag string) {
		score += delta
		flags = appendUnique(flags, flag)
	}

	switch step.Type {
	case contracts.StepFSRead:
		path := stringInput(step, "path")
		for _, suffix := range secretSuffixes {
			if strings.HasSuffix(path, suffix) {
				add(40, FlagPotentialSecretFile)
				break
			}
		}

	case contracts.StepFSWrite:
		path := stringInput(step, "path")
		for _, p := range shellProfilePaths {
			if strings.Contains(path, p) {
				add(60, FlagShellProfileModification)
				break
			}
		}
		if strings.Contains(path, "/.") {
			add(15, FlagDotfileModification)
		}

	case contracts.StepFSDelete:
		if fileCount(step) > 10 {
			add(20, FlagBulkDelete)
		}

	case contracts.StepShellRun:
		cmd := strings.ToLower(fullCommand(step))
		if strings.Contains(cmd, "sudo") {
			add(45, FlagSudo)
		}
		if rmWordRe.MatchString(cmd) {
			add(30, FlagRM)
		}
		if strings.Contains(cmd, ">") {
			add(15, FlagRedirection)
		}
		if strings.Contains(cmd, "|") {
			add(15, FlagPipe)
		}
		if curlPipeShRe.MatchString(cmd) || wgetPipeShRe.MatchString(cmd) {
			add(50, FlagCurlPipeSh)
		}
		if strings.Contains(cmd, "chmod 777") {
			add(40, FlagChmodRisky)
		}

	case contracts.StepNetAllow:
		for _, domain := range stringSliceInput(step, "domains") {
			d := strings.ToLower(domain)
			if ipLiteralRe.MatchString(d) {
				add(25, FlagIPLiteral)
			}
			for _, tld := range suspiciousTLDs {
				if strings.HasSuffix(d, tld) {
					add(20, FlagSuspiciousTLD)
					break
				}
			}
		}
	}

	// Policy flags carry score floors: a denied path is at least 50 and a
	// disallowed shell command is 90 regardless of the command text.
	if step.HasFlag(contracts.FlagPathDenied) {
		score = max(score, 50)
	}
	if step.HasFlag(contracts.FlagCommandNotAllowed) || step.HasFlag(contracts.FlagWouldBeBlocked) {
		score = max(score, 90)
	}

	return StepScore{Score: clamp(score), Flags: flags}
}

// ScorePlan aggregates already-annotated steps into a plan-level summary.
// An empty plan scores zero.
func ScorePlan(steps []contracts.PlanStep) Summary {
	if len(steps) == 0 {
		return Summary{Classification: ClassLow, FlagsTop: []string{}}
	}

	maxScore, sum := 0, 0
	var high, medium, low int
	for _, s := range steps {
		if s.RiskScore > maxScore {
			maxScore = s.RiskScore
		}
		sum += s.RiskScore
		switch Classify(s.RiskScore) {
		case ClassHigh:
			high++
		case ClassMedium:
			medium++
		default:
			low++
		}
	}
	avg := float64(sum) / float64(len(steps))
	total := int(math.Round(0.6*float64(maxScore) + 0.4*avg))

	for _, s := range steps {
		if s.HasFlag(FlagBulkDelete) || s.HasFlag(FlagCurlPipeSh) {
			total += 10
			break
		}
	}
	total = clamp(total)

	return Summary{
		TotalRiskScore: total,
		Classification: Classify(total),
		High:           high,
		Medium:         medium,
		Low:            low,
		FlagsTop:       topFlags(steps, 5),
	}
}

// Classify places a score into the low / medium / high band.
func Classify(score int) string {
	switch {
	case score >= 70:
		return ClassHigh
	case score >= 30:
		return ClassMedium
	default:
		return ClassLow
	}
}

// topFlags returns the n most frequent flags across steps, ties broken by
// first appearance.
func topFlags(steps []contracts.PlanStep, n int) []string {
	counts := make(map[string]int)
	var order []string
	for _, s := range steps {
		for _, f := range s.RiskFlags {
			if counts[f] == 0 {
				order = append(order, f)
			}
			counts[f]++
		}
	}

	// Stable selection sort over the small flag set keeps first-appearance
	// tie-breaking explicit.
	top := []string{}
	used := make(map[string]bool)
	for len(top) < n {
		best := ""
		for _, f := range order {
			if used[f] {
				continue
			}
			if best == "" || counts[f] > counts[best] {
				best = f
			}
		}
		if best == "" {
			break
		}
		used[best] = true
		top = append(top, best)
	}
	return top
}

func fullCommand(step contracts.PlanStep) string {
	parts := []string{stringInput(step, "command")}
	parts = append(parts, stringSliceInput(step, "args")...)
	return strings.TrimSpace(strings.Join(parts, " "))
}

func stringInput(step contracts.PlanStep, key string) string {
	if step.Inputs == nil {
		return ""
	}
	s, _ := step.Inputs[key].(string)
	return s
}

func stringSliceInput(step contracts.PlanStep, key string) []string {
	if step.Inputs == nil {
		return nil
	}
	var out []string
	switch v := step.Inputs[key].(type) {
	case []string:
		out = append(out, v...)
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

// fileCount tolerates both int and float64 (post-JSON) representations.
func fileCount(step contracts.PlanStep) int {
	if step.Inputs == nil {
		return 0
	}
	switch v := step.Inputs["fileCount"].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func appendUnique(flags []string, flag string) []string {
	for _, f := range flags {
		if f == flag {
			return flags
		}
	}
	return append(flags, flag)
}

func clamp(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
