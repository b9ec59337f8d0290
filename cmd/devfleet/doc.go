// Copyright (c) DevFleet Authors.
// Licensed under the MIT License.

/*
Package main 提供 DevFleet 协调器服务端程序入口。

# 概述

cmd/devfleet 是 DevFleet 的可执行入口，提供协调服务、健康检查和
版本查询等子命令。程序支持 YAML 配置文件加载、结构化日志（zap）、
Prometheus 指标采集、OpenTelemetry 追踪以及配置热重载。

# 子命令

  - serve    — 启动协调服务（HTTP 运维接口 + 消息传输 + 持久层）
  - health   — 对运行中的服务执行健康检查
  - version  — 显示版本信息
*/
package main
