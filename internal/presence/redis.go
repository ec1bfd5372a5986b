package presence

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Kwendataxi/kwenda-dispatch/internal/models"
)

// RedisRegistry implements Registry on Redis: GEOADD for location and a hash
// per driver for the rest of the presence row.
type RedisRegistry struct {
	client  *redis.Client
	geoKey  string
	metaKey string
	idsKey  string
}

func NewRedisRegistry(addr, password, geoKey, metaPrefix string) *RedisRegistry {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisRegistry{client: c, geoKey: geoKey, metaKey: metaPrefix, idsKey: geoKey + ":ids"}
}

// NewRedisRegistryFromClient is used by the consumer which shares a client
// with its readiness probe.
func NewRedisRegistryFromClient(c *redis.Client, geoKey, metaPrefix string) *RedisRegistry {
	return &RedisRegistry{client: c, geoKey: geoKey, metaKey: metaPrefix, idsKey: geoKey + ":ids"}
}

func (r *RedisRegistry) key(driverID string) string { return r.metaKey + driverID }

func (r *RedisRegistry) Heartbeat(ctx context.Context, hb HeartbeatUpdate) error {
	if hb.DriverID == "" {
		return ErrNotFound
	}
	if !hb.Loc.Finite() {
		return ErrBadCoordinate
	}
	if _, err := r.client.GeoAdd(ctx, r.geoKey, &redis.GeoLocation{
		Longitude: hb.Loc.Lng, Latitude: hb.Loc.Lat, Name: hb.DriverID,
	}).Result(); err != nil {
		return err
	}
	fields := map[string]interface{}{
		"online":    strconv.FormatBool(hb.Online),
		"available": strconv.FormatBool(hb.Available),
		"heartbeat": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if hb.VehicleClass != models.ClassAny {
		fields["class"] = string(hb.VehicleClass)
	}
	if hb.ServiceTypes != nil {
		fields["services"] = joinServices(hb.ServiceTypes)
	}
	if err := r.client.HSet(ctx, r.key(hb.DriverID), fields).Err(); err != nil {
		return err
	}
	return r.client.SAdd(ctx, r.idsKey, hb.DriverID).Err()
}

func (r *RedisRegistry) SetAvailability(ctx context.Context, driverID string, available bool) error {
	return r.client.HSet(ctx, r.key(driverID), map[string]interface{}{
		"available": strconv.FormatBool(available),
	}).Err()
}

func (r *RedisRegistry) Get(ctx context.Context, driverID string) (models.DriverPresence, error) {
	m, err := r.client.HGetAll(ctx, r.key(driverID)).Result()
	if err != nil {
		return models.DriverPresence{}, err
	}
	if len(m) == 0 {
		return models.DriverPresence{}, ErrNotFound
	}
	d := presenceFromHash(driverID, m)
	pos, err := r.client.GeoPos(ctx, r.geoKey, driverID).Result()
	if err == nil && len(pos) == 1 && pos[0] != nil {
		d.Loc = models.Coord{Lat: pos[0].Latitude, Lng: pos[0].Longitude}
	}
	return d, nil
}

func (r *RedisRegistry) Snapshot(ctx context.Context) ([]models.DriverPresence, error) {
	ids, err := r.client.SMembers(ctx, r.idsKey).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.DriverPresence, 0, len(ids))
	for _, id := range ids {
		d, err := r.Get(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func presenceFromHash(driverID string, m map[string]string) models.DriverPresence {
	d := models.DriverPresence{DriverID: driverID}
	d.Online = m["online"] == "true"
	d.Available = m["available"] == "true"
	d.VehicleClass = models.VehicleClass(m["class"])
	if v := m["services"]; v != "" {
		for _, s := range strings.Split(v, ",") {
			d.ServiceTypes = append(d.ServiceTypes, models.ServiceType(s))
		}
	}
	if v := m["heartbeat"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			d.LastHeartbeat = t
		}
	}
	return d
}

func joinServices(types []models.ServiceType) string {
	parts := make([]string, 0, len(types))
	for _, t := range types {
		parts = append(parts, string(t))
	}
	return strings.Join(parts, ",")
}
