// Package mysql 提供基于 MySQL 的持久化基础设施：连接池、内嵌 SQL 迁移，
// 以及转账执行历史的仓库实现。开发环境下历史也可以落在本地 JSON 行文件中。
package mysql
