// Package policy classifies proposed action sequences by risk before they
// reach the sandbox. Classification is declarative: commands are tokenized
// into facts, and Datalog rules decide what needs approval and what needs a
// snapshot first. Operators can replace the rule set without recompiling.
package policy

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	_ "github.com/google/mangle/builtin"
	mengine "github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	_ "github.com/google/mangle/packages"
	"github.com/google/mangle/parse"

	"warden/internal/logging"
)

//go:embed policy.mg
var defaultRules string

// Risk is the classification outcome for an action sequence.
type Risk string

const (
	RiskLow  Risk = "LOW"
	RiskHigh Risk = "HIGH"
)

// Assessment is the full policy verdict for one sequence.
type Assessment struct {
	Risk        Risk `json:"risk"`
	MutatesHost bool `json:"mutates_host"`
}

var (
	highRiskSym    = ast.PredicateSym{Symbol: "high_risk", Arity: 1}
	mutatesHostSym = ast.PredicateSym{Symbol: "mutates_host", Arity: 1}
	toolSym        = ast.PredicateSym{Symbol: "command_tool", Arity: 2}
	argSym         = ast.PredicateSym{Symbol: "command_arg", Arity: 2}
	systemPathSym  = ast.PredicateSym{Symbol: "command_system_path", Arity: 2}
)

// Classifier evaluates the risk rules against tokenized command facts.
type Classifier struct {
	mu          sync.Mutex
	programInfo *analysis.ProgramInfo
}

// New builds a classifier. rulesPath overrides the embedded default rule set
// when non-empty.
func New(rulesPath string) (*Classifier, error) {
	src := defaultRules
	if rulesPath != "" {
		data, err := os.ReadFile(rulesPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read policy rules: %w", err)
		}
		src = string(data)
	}

	unit, err := parse.Unit(bytes.NewReader([]byte(src)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy rules: %w", err)
	}

	programInfo, err := analysis.AnalyzeOneUnit(unit, nil)
	if err != nil {
		return nil, fmt.Errorf("policy rules failed analysis: %w", err)
	}

	return &Classifier{programInfo: programInfo}, nil
}

// Classify tokenizes the command sequence, asserts the facts into a fresh
// store and evaluates the rules. A fresh store per call keeps requests
// independent; rule evaluation is serialized since the program is shared.
func (c *Classifier) Classify(commands []string) (Assessment, error) {
	req, err := ast.Name("/request")
	if err != nil {
		return Assessment{}, fmt.Errorf("invalid request constant: %w", err)
	}

	store := factstore.NewConcurrentFactStore(factstore.NewSimpleInMemoryStore())
	for _, cmd := range commands {
		for _, fact := range tokenize(req, cmd) {
			store.Add(fact)
		}
	}

	c.mu.Lock()
	_, err = mengine.EvalProgramWithStats(c.programInfo, store)
	c.mu.Unlock()
	if err != nil {
		return Assessment{}, fmt.Errorf("policy evaluation failed: %w", err)
	}

	assessment := Assessment{Risk: RiskLow}
	if holds(store, highRiskSym) {
		assessment.Risk = RiskHigh
	}
	assessment.MutatesHost = holds(store, mutatesHostSym)

	logging.Get(logging.CategoryPolicy).Debugf("classified %d commands: risk=%s mutates_host=%v",
		len(commands), assessment.Risk, assessment.MutatesHost)
	return assessment, nil
}

// holds reports whether any fact exists for the predicate. Each store carries
// exactly one request, so presence is enough.
func holds(store factstore.FactStore, sym ast.PredicateSym) bool {
	found := false
	_ = store.GetFacts(ast.NewQuery(sym), func(ast.Atom) error {
		found = true
		return nil
	})
	return found
}

// systemPrefixes are host locations whose modification counts as a host
// mutation regardless of tool.
var systemPrefixes = []string{"/etc/", "/boot/", "/usr/", "/bin/", "/sbin/", "/lib/", "/var/", "/opt/"}

// elevators re-run their argument vector as a new command.
var elevators = map[string]bool{"sudo": true, "su": true, "pkexec": true, "doas": true, "env": true, "nohup": true}

// tokenize converts one shell command line into policy facts. Compound
// commands are split on shell connectors so every executable in the line
// contributes a command_tool fact.
func tokenize(req ast.Constant, command string) []ast.Atom {
	var facts []ast.Atom

	for _, segment := range splitSegments(command) {
		tokens := strings.Fields(segment)
		for len(tokens) > 0 {
			tool := filepath.Base(tokens[0])
			facts = append(facts, ast.Atom{
				Predicate: toolSym,
				Args:      []ast.BaseTerm{req, ast.String(tool)},
			})
			if !elevators[tool] {
				break
			}
			// sudo rm ... also classifies rm
			tokens = tokens[1:]
			for len(tokens) > 0 && strings.HasPrefix(tokens[0], "-") {
				tokens = tokens[1:]
			}
		}

		if len(tokens) == 0 {
			continue
		}
		for _, tok := range tokens[1:] {
			facts = append(facts, ast.Atom{
				Predicate: argSym,
				Args:      []ast.BaseTerm{req, ast.String(tok)},
			})
			for _, prefix := range systemPrefixes {
				if strings.HasPrefix(tok, prefix) || tok+"/" == prefix {
					facts = append(facts, ast.Atom{
						Predicate: systemPathSym,
						Args:      []ast.BaseTerm{req, ast.String(tok)},
					})
					break
				}
			}
		}
	}

	return facts
}

// splitSegments breaks a command line at shell connectors (&&, ||, ;, |).
// Quoting is not honored; over-splitting only ever adds facts, which fails
// toward the safe side.
func splitSegments(command string) []string {
	replacer := strings.NewReplacer("&&", "\n", "||", "\n", ";", "\n", "|", "\n")
	var segments []string
	for _, seg := range strings.Split(replacer.Replace(command), "\n") {
		seg = strings.TrimSpace(seg)
		if seg != "" {
			segments = append(segments, seg)
		}
	}
	return segments
}
