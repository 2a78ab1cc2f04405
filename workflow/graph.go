package workflow

// graph 定义的静态分析结果,只依赖 Definition,可以缓存
type graph struct {
	def   *Definition
	nodes map[string]*Node
	order []string
	start string
	// out/in 只包含两端都存在的边,按定义顺序
	out map[string][]*Edge
	in  map[string][]*Edge
	// loopBack 回环边
	loopBack map[*Edge]bool
	// bodyOwners 循环体节点 -> 所属的 loop/foreach 节点
	bodyOwners map[string][]string
}

func buildGraph(def *Definition) *graph {
	g := &graph{
		def:        def,
		nodes:      make(map[string]*Node, len(def.Nodes)),
		order:      make([]string, 0, len(def.Nodes)),
		out:        make(map[string][]*Edge),
		in:         make(map[string][]*Edge),
		loopBack:   make(map[*Edge]bool),
		bodyOwners: make(map[string][]string),
	}
	for _, n := range def.Nodes {
		if n == nil || n.ID == "" {
			continue
		}
		if _, ok := g.nodes[n.ID]; ok {
			continue
		}
		g.nodes[n.ID] = n
		g.order = append(g.order, n.ID)
		if n.Type == NodeTypeStart && g.start == "" {
			g.start = n.ID
		}
	}
	for _, e := range def.Edges {
		if e == nil {
			continue
		}
		// 引用了不存在的节点的边不可达
		if _, ok := g.nodes[e.From]; !ok {
			continue
		}
		if _, ok := g.nodes[e.To]; !ok {
			continue
		}
		g.out[e.From] = append(g.out[e.From], e)
		g.in[e.To] = append(g.in[e.To], e)
	}
	for _, id := range g.order {
		n := g.nodes[id]
		if !isLoopNodeType(n.Type) {
			continue
		}
		body, _ := n.Conf().GetStringSlice("bodyNodes")
		for _, b := range body {
			if _, ok := g.nodes[b]; ok && b != id {
				g.bodyOwners[b] = append(g.bodyOwners[b], id)
			}
		}
	}
	g.classifyEdges()
	return g
}

// classifyEdges 显式设置 MaxLoops 的边是回环边;
// 其余的边如果从 to 沿着前向边能走回 from,也是回环边。
// 前向边 = 没有 MaxLoops 的边去掉从 start 开始 DFS 得到的后向边,
// 否则没有标记的环会把环上所有的边都判成回环边。
func (g *graph) classifyEdges() {
	candidates := make(map[*Edge]bool)
	for _, id := range g.order {
		for _, e := range g.out[id] {
			if e.MaxLoops != nil {
				g.loopBack[e] = true
			} else {
				candidates[e] = true
			}
		}
	}

	const (
		unvisited = iota
		onStack
		finished
	)
	mark := make(map[string]int, len(g.order))
	backEdges := make(map[*Edge]bool)
	var dfs func(id string)
	dfs = func(id string) {
		mark[id] = onStack
		for _, e := range g.out[id] {
			if !candidates[e] {
				continue
			}
			switch mark[e.To] {
			case unvisited:
				dfs(e.To)
			case onStack:
				backEdges[e] = true
			}
		}
		mark[id] = finished
	}
	if g.start != "" {
		dfs(g.start)
	}
	for _, id := range g.order {
		if mark[id] == unvisited {
			dfs(id)
		}
	}

	forward := func(e *Edge) bool {
		return candidates[e] && !backEdges[e]
	}
	for _, id := range g.order {
		for _, e := range g.out[id] {
			if candidates[e] && g.reaches(e.To, e.From, forward) {
				g.loopBack[e] = true
			}
		}
	}
}

// reaches BFS,只走 follow 返回 true 的边
func (g *graph) reaches(from, to string, follow func(*Edge) bool) bool {
	if from == to {
		return true
	}
	visited := map[string]bool{from: true}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range g.out[cur] {
			if !follow(e) || visited[e.To] {
				continue
			}
			if e.To == to {
				return true
			}
			visited[e.To] = true
			queue = append(queue, e.To)
		}
	}
	return false
}

func (g *graph) isLoopBack(e *Edge) bool {
	return g.loopBack[e]
}

func (g *graph) forwardIn(nodeID string) []*Edge {
	edges := make([]*Edge, 0, len(g.in[nodeID]))
	for _, e := range g.in[nodeID] {
		if !g.loopBack[e] {
			edges = append(edges, e)
		}
	}
	return edges
}

// downstream 从 from 出发沿前向边能到达的节点,不经过 stop
func (g *graph) downstream(from, stop string) []string {
	if from == stop {
		return nil
	}
	visited := map[string]bool{from: true}
	result := []string{from}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range g.out[cur] {
			if g.loopBack[e] || visited[e.To] || e.To == stop {
				continue
			}
			visited[e.To] = true
			result = append(result, e.To)
			queue = append(queue, e.To)
		}
	}
	return result
}

// maxLoops 回环边的最大次数
func (g *graph) maxLoops(e *Edge, defaultMax int) int {
	if e.MaxLoops != nil {
		return *e.MaxLoops
	}
	return defaultMax
}
