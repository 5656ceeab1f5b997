package counter

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/CZERTAINLY/tracecheck/internal/model"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

const (
	ScorePass = 100
	ScoreFail = -1
)

// Counts maps category names to counts.
type Counts map[string]int64

// Expected is the accepted count of a category: either a target with a
// relative tolerance or mere presence.
type Expected struct {
	Target    int64
	Tolerance float64
	present   bool
}

// Present accepts any count of at least one.
var Present = Expected{present: true}

// Exactly accepts counts within target*(1-tolerance) and
// target*(1+tolerance), both inclusive.
func Exactly(target int64, tolerance float64) Expected {
	return Expected{Target: target, Tolerance: tolerance}
}

func (e Expected) IsPresent() bool { return e.present }

// Validate rejects negative targets and tolerances outside [0, 1].
func (e Expected) Validate() error {
	if e.present {
		return nil
	}
	if e.Target < 0 {
		return fmt.Errorf("%w: negative target %d", model.ErrConfiguration, e.Target)
	}
	if e.Tolerance < 0 || e.Tolerance > 1 || math.IsNaN(e.Tolerance) {
		return fmt.Errorf("%w: tolerance %v outside [0, 1]", model.ErrConfiguration, e.Tolerance)
	}
	return nil
}

// Bounds returns the inclusive window of accepted counts.
func (e Expected) Bounds() (lo, hi float64) {
	t := float64(e.Target)
	return t * (1 - e.Tolerance), t * (1 + e.Tolerance)
}

// Admits reports whether count satisfies e.
func (e Expected) Admits(count int64) bool {
	if e.present {
		return count >= 1
	}
	lo, hi := e.Bounds()
	c := float64(count)
	return lo <= c && c <= hi
}

func (e Expected) String() string {
	if e.present {
		return ">= 1"
	}
	if e.Tolerance == 0 {
		return strconv.FormatInt(e.Target, 10)
	}
	pct := math.Round(e.Tolerance*1e4) / 1e2
	return strconv.FormatInt(e.Target, 10) + " ±" + strconv.FormatFloat(pct, 'f', -1, 64) + "%"
}

// CheckResult is the outcome of one check.
type CheckResult struct {
	Name     string `json:"name"`
	Passed   bool   `json:"passed"`
	Expected string `json:"expected,omitempty"`
	Count    *int64 `json:"count,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// Check is a validation evaluated against the final counts.
type Check struct {
	name string
	eval func(Counts) CheckResult
}

func (c Check) Name() string { return c.name }

func (c Check) evaluate(counts Counts) CheckResult {
	cr := c.eval(counts)
	cr.Name = c.name
	return cr
}

// Expect checks the count of h against e.
func Expect(h *Handle, e Expected) Check {
	return ExpectCategory(h.Category(), e)
}

// ExpectCategory checks the count of a category against e. A category
// which was never registered fails.
func ExpectCategory(category string, e Expected) Check {
	return Check{
		name: category,
		eval: func(counts Counts) CheckResult {
			n, ok := counts[category]
			if !ok {
				return CheckResult{Expected: e.String(), Detail: "category not registered"}
			}
			cr := CheckResult{Expected: e.String(), Count: &n, Passed: e.Admits(n)}
			if !cr.Passed {
				cr.Detail = outside(e, n)
			}
			return cr
		},
	}
}

func outside(e Expected, n int64) string {
	if e.present {
		return "no events observed"
	}
	lo, hi := e.Bounds()
	return fmt.Sprintf("%d outside [%s, %s]", n, fmtFloat(lo), fmtFloat(hi))
}

func fmtFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// Func checks arbitrary logic, typically over counts read from handles.
func Func(name string, fn func() bool) Check {
	return Check{
		name: name,
		eval: func(Counts) CheckResult {
			return CheckResult{Passed: fn()}
		},
	}
}

// Expr compiles a boolean expression over the category counts. Categories
// are variables; names which are not identifiers are reachable through
// $env["name"]. The functions abs, min and max are available.
func Expr(name, source string) (Check, error) {
	program, err := expr.Compile(source, expr.AsBool())
	if err != nil {
		return Check{}, fmt.Errorf("%w: check %q: %w", model.ErrConfiguration, name, err)
	}
	return Check{
		name: name,
		eval: func(counts Counts) CheckResult {
			return runExpr(program, source, counts)
		},
	}, nil
}

// MustExpr is Expr for expressions known at compile time.
func MustExpr(name, source string) Check {
	c, err := Expr(name, source)
	if err != nil {
		panic(err)
	}
	return c
}

func runExpr(program *vm.Program, source string, counts Counts) CheckResult {
	env := make(map[string]any, len(counts))
	for k, v := range counts {
		env[k] = v
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return CheckResult{Expected: source, Detail: err.Error()}
	}
	ok, _ := out.(bool)
	cr := CheckResult{Expected: source, Passed: ok}
	if !ok {
		cr.Detail = "expression is false"
	}
	return cr
}

// ValidationFailure lists the failed checks of a run.
type ValidationFailure struct {
	Failed []CheckResult
}

func (v *ValidationFailure) Error() string {
	var sb strings.Builder
	sb.WriteString("validation failed:")
	for i, f := range v.Failed {
		if i > 0 {
			sb.WriteByte(';')
		}
		sb.WriteByte(' ')
		sb.WriteString(f.Name)
		if f.Detail != "" {
			sb.WriteString(": ")
			sb.WriteString(f.Detail)
		}
	}
	return sb.String()
}

// Result of a validated run.
type Result struct {
	Score  int           `json:"score"`
	Cause  error         `json:"-"`
	Checks []CheckResult `json:"checks"`
	Counts Counts        `json:"counts"`
}

func (r Result) Passed() bool { return r.Score == ScorePass }

// AsValidationFailure returns the failure cause of r, if any.
func (r Result) AsValidationFailure() (*ValidationFailure, bool) {
	var vf *ValidationFailure
	ok := errors.As(r.Cause, &vf)
	return vf, ok
}
