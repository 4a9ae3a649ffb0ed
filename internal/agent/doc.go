// Package agent 负责批量转账的执行：解锁钱包、逐条解析收款人并调度转账，
// 条目之间按固定间隔节流，最终写入历史、通知发起人与对话记录。
// Tracker 在内存中保存批次进度，供任务台展示、取消与隐藏。
package agent
