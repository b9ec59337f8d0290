// 版权所有 2026 DevFleet Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的全链路指标采集能力，覆盖
生命周期、消息、路由、缓存与数据库五大维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
自动注册机制，避免手动管理 Registry。所有指标按 namespace 隔离，
支持多维度 label 分组，便于 Grafana 等工具进行可视化与告警。

# 核心类型

  - Collector：指标收集器，持有 Counter、Histogram、Gauge 等
    Prometheus 向量指标，按业务域分组管理。

# 主要能力

  - 生命周期指标：状态转换计数与非法转换拒绝计数，
    按 from_state/to_state 分组；各状态在线 Agent 数 Gauge。
  - 消息指标：发布/投递/失败/丢弃计数，按 backend/topic 分组；
    发布耗时 Histogram；各队列积压深度 Gauge。
  - 路由指标：路由决策计数（按 strategy/status 分组）、候选数
    Histogram、广播结果计数（delivered/failed/skipped）。
  - 缓存指标：命中与未命中计数，按 cache_type 分组。
  - 数据库指标：活跃/空闲连接数 Gauge、查询耗时 Histogram，
    按 database/operation 分组。
*/
package metrics
