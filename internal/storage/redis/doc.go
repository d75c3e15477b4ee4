// Package redis 提供基于 Redis 的共享状态，目前用于多实例部署时的钱包登录挑战存储。
package redis
