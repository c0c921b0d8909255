package consent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
)

const requesterPolicyPackage = "consentagent.requester"

// Default Rego policy: any named requester may be granted any named data
// category, bounded by a per-handshake category ceiling.
const defaultRequesterPolicy = `package consentagent.requester

default allow = false
default max_grants = 32

allow if {
	input.grant.requester != ""
	input.grant.data_category != ""
	count(input.granted) < max_grants
}

max_grants = input.limits.max_grants if {
	input.limits.max_grants > 0
}
`

// Decision is the outcome of a requester policy check.
type Decision struct {
	Allowed   bool
	MaxGrants int
}

// PolicySource supplies custom Rego modules for a requester; an empty slice
// selects the default policy.
type PolicySource interface {
	PoliciesForRequester(ctx context.Context, requester string) ([]string, error)
}

// RequesterEvaluator decides whether a grant may be added to a handshake.
type RequesterEvaluator interface {
	CheckGrant(ctx context.Context, grant Grant, granted []Grant) (Decision, error)
}

// OPAEvaluator evaluates requester policies using in-process OPA Rego.
type OPAEvaluator struct {
	source    PolicySource
	maxGrants int
}

// NewOPAEvaluator returns an OPA-based requester evaluator. source may be nil,
// in which case only the default policy applies.
func NewOPAEvaluator(source PolicySource) *OPAEvaluator {
	return &OPAEvaluator{source: source, maxGrants: 32}
}

// HealthCheck verifies that the in-process OPA Rego engine can compile and
// evaluate the default policy. Does not call the policy source.
func (e *OPAEvaluator) HealthCheck(ctx context.Context) error {
	modules := map[string]string{"policy_0.rego": defaultRequesterPolicy}
	compiler, err := ast.CompileModules(modules)
	if err != nil {
		return fmt.Errorf("compile default policy: %w", err)
	}
	q := rego.New(
		rego.Query("data."+requesterPolicyPackage+".allow"),
		rego.Compiler(compiler),
		rego.Input(e.buildInput(Grant{Requester: "probe", DataCategory: "probe"}, nil)),
	)
	rs, err := q.Eval(ctx)
	if err != nil {
		return fmt.Errorf("eval default policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return fmt.Errorf("policy query returned no result")
	}
	return nil
}

// CheckGrant evaluates whether grant may join the already-granted set. A
// policy compilation or evaluation failure denies the grant; consent is never
// widened by a broken policy.
func (e *OPAEvaluator) CheckGrant(ctx context.Context, grant Grant, granted []Grant) (Decision, error) {
	policies := e.loadPolicies(ctx, grant.Requester)
	input := e.buildInput(grant, granted)

	modules := make(map[string]string)
	for i, policy := range policies {
		modules[fmt.Sprintf("policy_%d.rego", i)] = policy
	}
	compiler, err := ast.CompileModules(modules)
	if err != nil {
		log.Printf("consent: compile requester policy: %v", err)
		return Decision{Allowed: false, MaxGrants: e.maxGrants}, nil
	}

	out := Decision{Allowed: false, MaxGrants: e.maxGrants}

	allowQuery := rego.New(
		rego.Query("data."+requesterPolicyPackage+".allow"),
		rego.Compiler(compiler),
		rego.Input(input),
	)
	allowRS, err := allowQuery.Eval(ctx)
	if err == nil && len(allowRS) > 0 && len(allowRS[0].Expressions) > 0 {
		if v, ok := allowRS[0].Expressions[0].Value.(bool); ok {
			out.Allowed = v
		}
	} else if err != nil {
		log.Printf("consent: evaluate requester policy: %v", err)
	}

	maxQuery := rego.New(
		rego.Query("data."+requesterPolicyPackage+".max_grants"),
		rego.Compiler(compiler),
		rego.Input(input),
	)
	maxRS, err := maxQuery.Eval(ctx)
	if err == nil && len(maxRS) > 0 && len(maxRS[0].Expressions) > 0 {
		switch v := maxRS[0].Expressions[0].Value.(type) {
		case json.Number:
			if n, err := v.Int64(); err == nil && n > 0 {
				out.MaxGrants = int(n)
			}
		case float64:
			if n := int(v); n > 0 {
				out.MaxGrants = n
			}
		case int64:
			if v > 0 {
				out.MaxGrants = int(v)
			}
		}
	}

	return out, nil
}

func (e *OPAEvaluator) loadPolicies(ctx context.Context, requester string) []string {
	if e.source != nil {
		custom, err := e.source.PoliciesForRequester(ctx, requester)
		if err != nil {
			log.Printf("consent: load policies for %s: %v", requester, err)
		} else if len(custom) > 0 {
			return custom
		}
	}
	return []string{defaultRequesterPolicy}
}

func (e *OPAEvaluator) buildInput(grant Grant, granted []Grant) map[string]interface{} {
	grantedList := make([]map[string]interface{}, 0, len(granted))
	for _, g := range granted {
		grantedList = append(grantedList, map[string]interface{}{
			"requester":     g.Requester,
			"data_category": g.DataCategory,
		})
	}
	return map[string]interface{}{
		"grant": map[string]interface{}{
			"requester":     grant.Requester,
			"data_category": grant.DataCategory,
			"reward":        grant.Reward,
		},
		"granted": grantedList,
		"limits": map[string]interface{}{
			"max_grants": e.maxGrants,
		},
	}
}
