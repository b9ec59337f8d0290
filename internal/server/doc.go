// 版权所有 2026 DevFleet Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 提供 HTTP 服务器生命周期管理与只读运维 API，
支持非阻塞启动、优雅关闭与系统信号监听。

# 概述

本包通过 Manager 封装 net/http.Server，统一管理监听、服务、
关闭与错误传播流程，内置 SIGINT/SIGTERM 信号处理；通过 API
暴露健康检查、Prometheus 指标与车队状态查询接口。

# 核心类型

  - Manager：HTTP 服务器管理器，持有 http.Server、net.Listener
    与异步错误通道，提供 Start/Shutdown/WaitForShutdown 等
    生命周期方法。
  - Config：服务器配置，包含监听地址、读写超时、空闲超时、
    最大请求头大小与优雅关闭超时。
  - API：运维接口，聚合生命周期服务、可用性提供者、持久层
    与消息传输，仅提供只读查询。

# 路由

  - GET /healthz、/readyz：存活与就绪探针。
  - GET /metrics：Prometheus 指标。
  - GET /api/v1/agents：全部 Agent 状态快照（含负载）。
  - GET /api/v1/agents/{id}：单个 Agent 状态。
  - GET /api/v1/agents/{id}/history：状态转换历史，优先持久层。
  - GET /api/v1/queue：消息队列统计。
*/
package server
