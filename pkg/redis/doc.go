// Package redis connects to Redis with go-redis/v9 and exposes a health probe.
//
//	var cfg redis.Config
//	if err := config.Load(&cfg); err != nil {
//	    return err
//	}
//	client, err := redis.Connect(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	store := redisstore.New(client, redisstore.WithKeyPrefix(cfg.KeyPrefix))
//
// Connect retries the initial ping with exponential backoff (go-retry) until
// RetryAttempts is exhausted or ConnectTimeout expires.
package redis
