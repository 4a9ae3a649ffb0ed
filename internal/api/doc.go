// Package api 暴露 AgentDesk 的 REST 接口：批量与单笔转账、任务台操作以及历史查询。
// 用户身份由上游网关通过 X-User-ID 请求头传入。
package api
