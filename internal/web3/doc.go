// Package web3 把账本检查点锚定到 EVM 兼容链。
//
// Anchorer 定期读取事件哈希链的链头并交给 Submitter，后者把检查点写入交易的
// input 数据。ethereum 子包提供基于 go-ethereum 的 Submitter 实现。
package web3
