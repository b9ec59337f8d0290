// 版权所有 2026 DevFleet Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 提供基于 GORM 的数据库接入与连接池管理。

# 概述

Open 按驱动名(sqlite/mysql/postgres)选择方言并建立连接,sqlite
使用纯 Go 实现,便于测试与单机部署。PoolManager 封装底层 sql.DB
的连接池参数,后台健康检查定时探活,异常时通过 zap 日志输出诊断。

# 核心类型

  - PoolManager:连接池管理器,提供 DB()、Ping()、Stats()、Close()
    与事务执行方法。
  - Config:驱动、DSN 与连接池参数。

# 事务

WithTransaction 单次执行;WithTransactionRetry 按退避策略重试死锁、
序列化失败与连接类错误,其余错误立即返回。
*/
package database
