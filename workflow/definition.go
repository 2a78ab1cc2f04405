package workflow

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/blingmoon/flowgraph/expression"
)

var validate = validator.New()

// ParseDefinition 解析 yaml 或 json 格式的定义并校验
func ParseDefinition(data []byte) (*Definition, error) {
	def := &Definition{}
	if err := yaml.Unmarshal(data, def); err != nil {
		return nil, errors.WithMessage(ErrInvalidDefinition, err.Error())
	}
	if _, err := ValidateDefinition(def); err != nil {
		return nil, err
	}
	return def, nil
}

// ValidateDefinition 校验定义。
// 返回的 warnings 不影响执行,例如边引用了不存在的节点(这样的边不可达);
// err 非空时定义不能使用,包装的是 ErrInvalidDefinition
func ValidateDefinition(def *Definition) (warnings []string, err error) {
	if def == nil {
		return nil, errors.WithMessage(ErrInvalidDefinition, "definition is nil")
	}
	problems := make([]string, 0)
	if err := validate.Struct(def); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				problems = append(problems, fmt.Sprintf("%s: failed on %s", fe.Namespace(), fe.Tag()))
			}
		} else {
			problems = append(problems, err.Error())
		}
	}

	ids := make(map[string]*Node, len(def.Nodes))
	unique := make([]*Node, 0, len(def.Nodes))
	starts := 0
	for _, n := range def.Nodes {
		if n == nil || n.ID == "" {
			continue
		}
		if _, dup := ids[n.ID]; dup {
			problems = append(problems, fmt.Sprintf("duplicate node id %q", n.ID))
			continue
		}
		ids[n.ID] = n
		unique = append(unique, n)
		if n.Type == NodeTypeStart {
			starts++
		}
		if n.Type != "" && !knownNodeTypes[n.Type] {
			problems = append(problems, fmt.Sprintf("node %q has unknown type %q", n.ID, n.Type))
		}
	}
	if starts != 1 {
		problems = append(problems, fmt.Sprintf("expected exactly one start node, got %d", starts))
	}

	for _, n := range unique {
		problems = append(problems, validateNodeConfig(n, ids)...)
	}

	for i, e := range def.Edges {
		if e == nil {
			continue
		}
		if _, ok := ids[e.From]; !ok {
			warnings = append(warnings, fmt.Sprintf("edge %d (%s) references unknown node %q, unreachable", i, e.Key(), e.From))
		}
		if _, ok := ids[e.To]; !ok {
			warnings = append(warnings, fmt.Sprintf("edge %d (%s) references unknown node %q, unreachable", i, e.Key(), e.To))
		}
		if strings.TrimSpace(e.Condition) != "" {
			if res := expression.Validate(e.Condition); !res.Valid {
				problems = append(problems, fmt.Sprintf("edge %s has invalid condition: %s", e.Key(), res.Error))
			}
		}
	}

	if len(problems) > 0 {
		return warnings, errors.WithMessagef(ErrInvalidDefinition, "workflowID: %s, %s", def.ID, strings.Join(problems, "; "))
	}
	return warnings, nil
}

func validateNodeConfig(n *Node, ids map[string]*Node) []string {
	problems := make([]string, 0)
	conf := n.Conf()
	checkExpr := func(key string, required bool) {
		expr, ok := conf.GetString(key)
		if !ok || strings.TrimSpace(expr) == "" {
			if required {
				problems = append(problems, fmt.Sprintf("node %q requires %s", n.ID, key))
			}
			return
		}
		if res := expression.Validate(expr); !res.Valid {
			problems = append(problems, fmt.Sprintf("node %q has invalid %s: %s", n.ID, key, res.Error))
		}
	}

	switch n.Type {
	case NodeTypeCondition, NodeTypeSwitch:
		checkExpr("expression", true)
	case NodeTypeLoop, NodeTypeForeach:
		body, ok := conf.GetStringSlice("bodyNodes")
		if !ok || len(body) == 0 {
			problems = append(problems, fmt.Sprintf("node %q requires bodyNodes", n.ID))
		}
		for _, b := range body {
			if _, exists := ids[b]; !exists || b == n.ID {
				problems = append(problems, fmt.Sprintf("node %q has invalid body node %q", n.ID, b))
			}
		}
		if n.Type == NodeTypeForeach {
			checkExpr("collection", true)
		} else {
			checkExpr("condition", false)
		}
	case NodeTypeSchedule, NodeTypeScheduleWait:
		if _, _, err := nodeCron(n); err != nil {
			problems = append(problems, err.Error())
		}
	case NodeTypeDelay:
		if d, ok := conf.GetDuration("duration"); !ok || d < 0 {
			problems = append(problems, fmt.Sprintf("node %q has invalid duration", n.ID))
		}
	case NodeTypeAssign:
		if _, ok := conf.GetMap("assignments"); !ok {
			problems = append(problems, fmt.Sprintf("node %q requires assignments", n.ID))
		}
	}
	return problems
}
