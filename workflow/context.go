package workflow

import (
	"github.com/blingmoon/flowgraph/expression"
)

// expressionContext 表达式求值的上下文。节点在活动的 foreach 循环里时带上 index/item/total
func expressionContext(inst *Instance, nodeID string, loopCount int) *expression.Context {
	nodeStates := make(map[string]any, len(inst.NodeStates))
	for id, st := range inst.NodeStates {
		nodeStates[id] = map[string]any{
			"status":   st.Status,
			"attempts": st.Attempts,
			"error":    st.Error,
			"output":   st.Output,
		}
	}
	ctx := &expression.Context{
		Outputs:    inst.Outputs,
		Variables:  inst.Variables,
		NodeStates: nodeStates,
		LoopCount:  loopCount,
	}
	ctx.Iteration = iterationOf(inst, nodeID)
	return ctx
}

func iterationOf(inst *Instance, nodeID string) *expression.Iteration {
	for loopID, body := range inst.ActiveLoops {
		if indexOf(body, nodeID) < 0 {
			continue
		}
		out, ok := inst.Outputs[loopID].(map[string]any)
		if !ok {
			return nil
		}
		if _, ok := out["item"]; !ok {
			return nil
		}
		conf := NewJSONContextFromMap(out)
		index, _ := conf.GetInt64("index")
		total, _ := conf.GetInt64("total")
		return &expression.Iteration{Index: int(index), Item: out["item"], Total: int(total)}
	}
	return nil
}

// ExpressionContext 给外部处理器用的求值上下文
func (inst *Instance) ExpressionContext(nodeID string) *expression.Context {
	return expressionContext(inst, nodeID, 0)
}
