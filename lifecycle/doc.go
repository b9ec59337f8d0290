// Package lifecycle 实现 Agent 生命周期状态机与舰队级生命周期服务。
//
// 每个 Agent 对应一个 Manager，持有当前状态、完整的状态转换历史和事件
// 处理器；所有状态变更都经过静态转换表校验，非法转换返回
// *InvalidTransitionError 且不产生任何副作用。Service 按 Agent ID 管理
// 一组 Manager，提供注册、部署、启动、任务分配等高层操作和舰队级查询。
package lifecycle
