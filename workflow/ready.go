package workflow

// GetReadyNodes 返回现在可以执行的节点,按定义顺序。纯函数,不修改 inst。
//
//   - start 节点只要还没执行就可以执行
//   - 处于活动循环里的节点按循环体顺序执行: 第一个节点在循环节点 done 之后,
//     后面的节点在前一个节点 done 或 skipped 之后
//   - 其他节点需要所有非回环入边的源节点都是 done(或者失败后继续的 failed),并且这些源节点既不在活动循环里,
//     也不是还在迭代的循环节点
func GetReadyNodes(def *Definition, inst *Instance) []string {
	if def == nil || inst == nil {
		return nil
	}
	return readyNodes(buildGraph(def), inst)
}

func readyNodes(g *graph, inst *Instance) []string {
	if IsOverInstanceStatus(inst.Status) {
		return nil
	}
	activeOwner := activeBodyOwners(inst)
	ready := make([]string, 0)
	for _, id := range g.order {
		if !isWaitingNodeStatus(inst.statusOf(id)) {
			continue
		}
		if id == g.start {
			ready = append(ready, id)
			continue
		}
		if owner, ok := activeOwner[id]; ok {
			if bodyNodeReady(inst, owner, id) {
				ready = append(ready, id)
			}
			continue
		}
		// 不在活动循环里的循环体节点只能由循环节点驱动
		if len(g.bodyOwners[id]) > 0 {
			continue
		}
		in := g.forwardIn(id)
		if len(in) == 0 {
			continue
		}
		ok := true
		for _, e := range in {
			if !isSettledNodeStatus(inst.statusOf(e.From)) {
				ok = false
				break
			}
			if _, inLoop := activeOwner[e.From]; inLoop {
				ok = false
				break
			}
			// 循环节点还在迭代
			if _, iterating := inst.ActiveLoops[e.From]; iterating {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, id)
		}
	}
	return ready
}

// activeBodyOwners 活动循环体节点 -> 循环节点
func activeBodyOwners(inst *Instance) map[string]string {
	owners := make(map[string]string)
	for loopID, body := range inst.ActiveLoops {
		for _, id := range body {
			owners[id] = loopID
		}
	}
	return owners
}

func bodyNodeReady(inst *Instance, loopID, nodeID string) bool {
	body := inst.ActiveLoops[loopID]
	idx := indexOf(body, nodeID)
	if idx < 0 {
		return false
	}
	if idx == 0 {
		return inst.statusOf(loopID) == NodeStatusDone
	}
	prev := inst.statusOf(body[idx-1])
	return isSettledNodeStatus(prev) || prev == NodeStatusSkipped
}

// isSettledNodeStatus 节点已经产生输出。failed 的节点只有在完成策略决定继续时实例才会还在运行
func isSettledNodeStatus(status NodeStatus) bool {
	return status == NodeStatusDone || status == NodeStatusFailed
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}
