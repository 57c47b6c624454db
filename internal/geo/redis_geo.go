package geo

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-tracking/internal/models"
)

// RedisGeo implements DriverIndex using Redis GEO commands.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(client *redis.Client, key string) *RedisGeo {
	return &RedisGeo{client: client, key: key}
}

func (r *RedisGeo) Upsert(ctx context.Context, driverID int64, c models.Coord) error {
	name := memberName(driverID)
	lat, lon := c.Float()
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: lon, Latitude: lat, Name: name}).Err(); err != nil {
		return fmt.Errorf("geoadd %s: %w", name, err)
	}
	return r.client.HSet(ctx, metaKey(driverID), map[string]interface{}{"updated": time.Now().UTC().Format(time.RFC3339)}).Err()
}

func (r *RedisGeo) Remove(ctx context.Context, driverID int64) error {
	if err := r.client.ZRem(ctx, r.key, memberName(driverID)).Err(); err != nil {
		return err
	}
	return r.client.Del(ctx, metaKey(driverID)).Err()
}

func (r *RedisGeo) Nearby(ctx context.Context, c models.Coord, radiusKm float64, limit int) ([]Nearby, error) {
	lat, lon := c.Float()
	res, err := r.client.GeoRadius(ctx, r.key, lon, lat, &redis.GeoRadiusQuery{Radius: radiusKm, Unit: "km", WithCoord: true, WithDist: true, Count: limit, Sort: "ASC"}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Nearby, 0, len(res))
	for _, g := range res {
		id, err := parseMember(g.Name)
		if err != nil {
			continue
		}
		out = append(out, Nearby{DriverID: id, Loc: models.NewCoord(g.Latitude, g.Longitude), DistKm: g.Dist})
	}
	return out, nil
}

func memberName(id int64) string { return "driver:" + strconv.FormatInt(id, 10) }

func metaKey(id int64) string { return "driver:meta:" + strconv.FormatInt(id, 10) }

func parseMember(m string) (int64, error) {
	return strconv.ParseInt(strings.TrimPrefix(m, "driver:"), 10, 64)
}
