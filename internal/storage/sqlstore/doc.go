// Package sqlstore 将账本的每一次提交写入关系型数据库，支持 MySQL 与 SQLite
// 两种方言，并在启动时通过内嵌迁移脚本建表、从数据库重建账本快照。
package sqlstore
