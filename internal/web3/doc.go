// Package web3 定义转账执行所需的链能力抽象：签名者、代币表以及
// 代付、标准、时间锁三类交易通道。具体实现位于 ethereum 子包，
// provider 子包负责按链名管理多个客户端。
package web3
