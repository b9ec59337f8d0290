// Package config 提供 DevFleet 协调器的配置加载与热更新支持。
//
// 配置来源优先级为: 默认值 → YAML 文件 → 环境变量（前缀 DEVFLEET）。
// 环境变量名由结构体 env 标签逐级拼接而成，例如
// DEVFLEET_MESSAGING_REDIS_ADDR 覆盖 Messaging.RedisAddr。
package config
