// Package workflow 基于图的工作流编排。
//
// 一个工作流定义由节点和有向边组成,边可以带条件表达式。主要特性:
//   - 条件分支: 边上的条件都不满足并且每条边都有条件时,最后一条边作为默认分支
//   - 回环: 指回上游的边是回环边,按边计数,超过 maxLoops(默认 5)之后不再走
//   - 并行和汇合: parallel 节点走所有出边,下游节点等所有上游结束才执行
//   - loop/foreach 节点: 反复驱动 bodyNodes,foreach 在表达式里提供 item/index/total
//   - 持久化: MemoryStore 或者基于 GORM 的 GormStore
//   - 执行: Engine 把可以执行的节点投递到持久化队列,由 Worker 限制并发、重试和超时
//
// 基础使用示例:
//
//	store := workflow.NewMemoryStore()
//	q, _ := queue.Open(queue.Options{Dir: "/tmp/flowgraph"})
//	scheduler := workflow.NewScheduler(store)
//	handlers := workflow.NewHandlerRegistry(scheduler.Evaluator())
//	handlers.Register(workflow.NodeTypeTask, workflow.NewTaskHandler(backend, scheduler.Evaluator()))
//
//	engine, _ := workflow.NewEngine(scheduler, q, handlers, workflow.DefaultEngineOptions())
//	def, _ := workflow.ParseDefinition(definitionYAML)
//	engine.RegisterWorkflow(ctx, def)
//	go engine.Run(ctx)
//
//	inst, _ := engine.Start(ctx, def.ID, map[string]any{"feature": "login"})
//	final, _ := engine.Wait(ctx, inst.ID)
//
// 节点输出按节点 id 保存在 Instance.Outputs 里,条件表达式通过 outputs.<id>.<字段> 访问,
// 节点 id 带连字符时写成 outputs['node-id']。
package workflow
