package planfile

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/gocty"

	"github.com/artpar/dualdeploy/internal/core/domain"
)

// =============================================================================
// HCL Plans
// =============================================================================
//
//	step "tokens" {
//	  tags = ["tokens"]
//
//	  deploy "mUSDT" {
//	    contract = "ERC20"
//	    args     = ["mUSDT", 6]
//	  }
//	}
//
//	step "vault" {
//	  dependencies = ["tokens"]
//
//	  deploy "Vault" {
//	    args = ["$${mUSDT.address}"]
//	  }
//	}
//
// References are written with a doubled dollar so HCL keeps them literal.

type hclPlanFile struct {
	Steps []*hclStep `hcl:"step,block"`
}

type hclStep struct {
	Name string   `hcl:"name,label"`
	Body hcl.Body `hcl:",remain"`
}

type hclIntent struct {
	Contract  string    `hcl:"contract,optional"`
	Target    string    `hcl:"target,optional"`
	Method    string    `hcl:"method,optional"`
	Args      cty.Value `hcl:"args,optional"`
	Tags      []string  `hcl:"tags,optional"`
	DependsOn []string  `hcl:"depends_on,optional"`
}

// stepSchema keeps deploy and call blocks in one list so their relative
// order survives decoding.
var stepSchema = &hcl.BodySchema{
	Attributes: []hcl.AttributeSchema{
		{Name: "tags"},
		{Name: "dependencies"},
	},
	Blocks: []hcl.BlockHeaderSchema{
		{Type: string(domain.KindDeploy), LabelNames: []string{"name"}},
		{Type: string(domain.KindCall), LabelNames: []string{"name"}},
	},
}

// ParseHCL parses an HCL plan. filename is used in diagnostics.
func ParseHCL(data []byte, filename string) (*Plan, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, &PlanError{File: filename, Message: diags.Error()}
	}

	var parsed hclPlanFile
	if diags := gohcl.DecodeBody(file.Body, nil, &parsed); diags.HasErrors() {
		return nil, &PlanError{File: filename, Message: diags.Error()}
	}

	plan := &Plan{Steps: make([]Step, 0, len(parsed.Steps))}
	for _, hs := range parsed.Steps {
		step, err := decodeStep(hs)
		if err != nil {
			return nil, err
		}
		plan.Steps = append(plan.Steps, step)
	}

	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

func decodeStep(hs *hclStep) (Step, error) {
	step := Step{Name: hs.Name}

	content, diags := hs.Body.Content(stepSchema)
	if diags.HasErrors() {
		return step, &PlanError{Step: hs.Name, Message: diags.Error()}
	}

	if attr, ok := content.Attributes["tags"]; ok {
		if diags := gohcl.DecodeExpression(attr.Expr, nil, &step.Tags); diags.HasErrors() {
			return step, &PlanError{Step: hs.Name, Message: diags.Error()}
		}
	}
	if attr, ok := content.Attributes["dependencies"]; ok {
		if diags := gohcl.DecodeExpression(attr.Expr, nil, &step.Dependencies); diags.HasErrors() {
			return step, &PlanError{Step: hs.Name, Message: diags.Error()}
		}
	}

	for _, block := range content.Blocks {
		name := block.Labels[0]

		var hi hclIntent
		if diags := gohcl.DecodeBody(block.Body, nil, &hi); diags.HasErrors() {
			return step, &PlanError{Step: hs.Name, Intent: name, Message: diags.Error()}
		}

		args, err := ctyArgs(hi.Args)
		if err != nil {
			return step, &PlanError{Step: hs.Name, Intent: name, Message: err.Error()}
		}

		step.Intents = append(step.Intents, Intent{
			Kind:      domain.UnitKind(block.Type),
			Name:      name,
			Contract:  hi.Contract,
			Target:    hi.Target,
			Method:    hi.Method,
			Args:      args,
			Tags:      hi.Tags,
			DependsOn: hi.DependsOn,
		})
	}
	return step, nil
}

// =============================================================================
// cty Conversion
// =============================================================================

// ctyArgs converts the args attribute, which must be a list or tuple.
func ctyArgs(v cty.Value) ([]any, error) {
	if v.IsNull() {
		return nil, nil
	}
	ty := v.Type()
	if !ty.IsListType() && !ty.IsTupleType() {
		return nil, fmt.Errorf("args must be a list, got %s", ty.FriendlyName())
	}
	native, err := ctyToNative(v)
	if err != nil {
		return nil, err
	}
	return native.([]any), nil
}

// ctyToNative converts a cty value to the Go value encoding/json would
// produce for the same literal. Integral numbers become int64, or *big.Int
// when they do not fit.
func ctyToNative(v cty.Value) (any, error) {
	if v.IsNull() {
		return nil, nil
	}
	if !v.IsKnown() {
		return nil, fmt.Errorf("value is not known")
	}

	ty := v.Type()
	switch {
	case ty == cty.String:
		return v.AsString(), nil

	case ty == cty.Number:
		bf := v.AsBigFloat()
		if bf.IsInt() {
			i, _ := bf.Int(nil)
			if i.IsInt64() {
				return i.Int64(), nil
			}
			return i, nil
		}
		f, _ := bf.Float64()
		return f, nil

	case ty == cty.Bool:
		var b bool
		if err := gocty.FromCtyValue(v, &b); err != nil {
			return nil, err
		}
		return b, nil

	case ty.IsListType() || ty.IsTupleType() || ty.IsSetType():
		out := make([]any, 0, v.LengthInt())
		it := v.ElementIterator()
		for it.Next() {
			_, elem := it.Element()
			n, err := ctyToNative(elem)
			if err != nil {
				return nil, err
			}
			out = append(out, n)
		}
		return out, nil

	case ty.IsObjectType() || ty.IsMapType():
		out := make(map[string]any)
		it := v.ElementIterator()
		for it.Next() {
			key, elem := it.Element()
			n, err := ctyToNative(elem)
			if err != nil {
				return nil, fmt.Errorf("in attribute %q: %w", key.AsString(), err)
			}
			out[key.AsString()] = n
		}
		return out, nil

	default:
		return nil, fmt.Errorf("unsupported value type %s", ty.FriendlyName())
	}
}
