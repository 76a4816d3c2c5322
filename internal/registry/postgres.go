package registry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/lorawan-ns/macserver/pkg/lorawan"
)

// PostgresStore is the durable Store implementation. Quick-access methods
// run against the shared *sql.DB; JoinTx and IncrementFCntDown run inside
// their own transaction to satisfy spec §4.3's atomic read-modify-write
// requirement.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection pool and verifies it's reachable.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("registry: open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("registry: ping postgres: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) GetGateway(ctx context.Context, mac lorawan.EUI64) (*Gateway, error) {
	var gw Gateway
	var macBytes, netID []byte
	var lat, lon, alt sql.NullFloat64
	var lastSeen sql.NullTime

	err := s.db.QueryRowContext(ctx, `
		SELECT mac, net_id, lat, lon, altitude, last_seen
		FROM gateways WHERE mac = $1`, mac[:]).Scan(
		&macBytes, &netID, &lat, &lon, &alt, &lastSeen)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	copy(gw.MAC[:], macBytes)
	copy(gw.NetID[:], netID)
	gw.HasGPS = lat.Valid && lon.Valid
	gw.Lat, gw.Lon, gw.Altitude = lat.Float64, lon.Float64, alt.Float64
	if lastSeen.Valid {
		gw.LastSeen = lastSeen.Time
	}
	return &gw, nil
}

func (s *PostgresStore) TouchGateway(ctx context.Context, mac lorawan.EUI64, seenAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE gateways SET last_seen = $2 WHERE mac = $1`, mac[:], seenAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateGatewayStatus(ctx context.Context, mac lorawan.EUI64, lat, lon, altitude float64, seenAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE gateways SET lat = $2, lon = $3, altitude = $4, last_seen = $5 WHERE mac = $1`,
		mac[:], lat, lon, altitude, seenAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetDevice(ctx context.Context, devEUI lorawan.EUI64) (*Device, error) {
	return getDevice(ctx, s.db, devEUI)
}

func getDevice(ctx context.Context, q queryer, devEUI lorawan.EUI64) (*Device, error) {
	var dev Device
	var devEUIBytes, appEUIBytes, appKey, linkBytes []byte
	var lastJoin sql.NullTime

	err := q.QueryRowContext(ctx, `
		SELECT dev_eui, app_eui, app_key, can_join, app, app_id,
		       desired_power, desired_dr, desired_chmask, link, last_join_at
		FROM devices WHERE dev_eui = $1`, devEUI[:]).Scan(
		&devEUIBytes, &appEUIBytes, &appKey, &dev.CanJoin, &dev.App, &dev.AppID,
		&dev.DesiredADR.PowerIndex, &dev.DesiredADR.DataRate, &dev.DesiredADR.ChMask,
		&linkBytes, &lastJoin)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	copy(dev.DevEUI[:], devEUIBytes)
	copy(dev.AppEUI[:], appEUIBytes)
	copy(dev.AppKey[:], appKey)
	if len(linkBytes) == 4 {
		var addr lorawan.DevAddr
		copy(addr[:], linkBytes)
		dev.Link = &addr
	}
	if lastJoin.Valid {
		dev.LastJoinAt = lastJoin.Time
	}
	return &dev, nil
}

func (s *PostgresStore) GetLink(ctx context.Context, devAddr lorawan.DevAddr) (*Link, error) {
	return getLink(ctx, s.db, devAddr)
}

func getLink(ctx context.Context, q queryer, devAddr lorawan.DevAddr) (*Link, error) {
	var l Link
	var addrBytes, nwkSKey, appSKey []byte
	var lastRx sql.NullTime

	err := q.QueryRowContext(ctx, `
		SELECT dev_addr, nwk_s_key, app_s_key, fcnt_up, fcnt_down, adr_enabled,
		       adr_power, adr_dr, adr_chmask, status_battery, status_margin,
		       status_valid, last_rx, app, app_id
		FROM links WHERE dev_addr = $1`, devAddr[:]).Scan(
		&addrBytes, &nwkSKey, &appSKey, &l.FCntUp, &l.FCntDown, &l.ADREnabled,
		&l.ADRInUse.PowerIndex, &l.ADRInUse.DataRate, &l.ADRInUse.ChMask,
		&l.Status.Battery, &l.Status.Margin, &l.Status.Valid,
		&lastRx, &l.App, &l.AppID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	copy(l.DevAddr[:], addrBytes)
	copy(l.NwkSKey[:], nwkSKey)
	copy(l.AppSKey[:], appSKey)
	if lastRx.Valid {
		l.LastRx = lastRx.Time
	}
	return &l, nil
}

func (s *PostgresStore) PutLink(ctx context.Context, link *Link) error {
	return putLink(ctx, s.db, link)
}

func putLink(ctx context.Context, q execer, l *Link) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO links (
			dev_addr, nwk_s_key, app_s_key, fcnt_up, fcnt_down, adr_enabled,
			adr_power, adr_dr, adr_chmask, status_battery, status_margin,
			status_valid, last_rx, app, app_id
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (dev_addr) DO UPDATE SET
			nwk_s_key = EXCLUDED.nwk_s_key,
			app_s_key = EXCLUDED.app_s_key,
			fcnt_up = EXCLUDED.fcnt_up,
			fcnt_down = EXCLUDED.fcnt_down,
			adr_enabled = EXCLUDED.adr_enabled,
			adr_power = EXCLUDED.adr_power,
			adr_dr = EXCLUDED.adr_dr,
			adr_chmask = EXCLUDED.adr_chmask,
			status_battery = EXCLUDED.status_battery,
			status_margin = EXCLUDED.status_margin,
			status_valid = EXCLUDED.status_valid,
			last_rx = EXCLUDED.last_rx,
			app = EXCLUDED.app,
			app_id = EXCLUDED.app_id`,
		l.DevAddr[:], l.NwkSKey[:], l.AppSKey[:], l.FCntUp, l.FCntDown, l.ADREnabled,
		l.ADRInUse.PowerIndex, l.ADRInUse.DataRate, l.ADRInUse.ChMask,
		l.Status.Battery, l.Status.Margin, l.Status.Valid,
		l.LastRx, l.App, l.AppID)
	return err
}

func (s *PostgresStore) ListIgnoredLinks(ctx context.Context) ([]IgnoredLink, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT base, mask FROM ignored_links`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []IgnoredLink
	for rows.Next() {
		var base, mask []byte
		if err := rows.Scan(&base, &mask); err != nil {
			return nil, err
		}
		var il IgnoredLink
		copy(il.Base[:], base)
		copy(il.Mask[:], mask)
		out = append(out, il)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetPendingDownlink(ctx context.Context, devAddr lorawan.DevAddr) (*PendingDownlink, error) {
	var pd PendingDownlink
	var addrBytes, phy []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT dev_addr, phy, sent_at FROM pending_downlinks WHERE dev_addr = $1`,
		devAddr[:]).Scan(&addrBytes, &phy, &pd.SentAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	copy(pd.DevAddr[:], addrBytes)
	pd.PHY = phy
	return &pd, nil
}

func (s *PostgresStore) PutPendingDownlink(ctx context.Context, pd *PendingDownlink) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_downlinks (dev_addr, phy, sent_at) VALUES ($1,$2,$3)
		ON CONFLICT (dev_addr) DO UPDATE SET phy = EXCLUDED.phy, sent_at = EXCLUDED.sent_at`,
		pd.DevAddr[:], pd.PHY, pd.SentAt)
	return err
}

func (s *PostgresStore) DeletePendingDownlink(ctx context.Context, devAddr lorawan.DevAddr) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_downlinks WHERE dev_addr = $1`, devAddr[:])
	return err
}

func (s *PostgresStore) AppendRxFrame(ctx context.Context, f *RxFrame) error {
	f.ID = uuid.New()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rx_frames (
			id, gateway_mac, rssi, snr, frequency, data_rate, coding_rate,
			dev_addr, fcnt_up, status_battery, status_margin, status_valid, received_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		f.ID, f.GatewayMAC[:], f.RSSI, f.SNR, f.Frequency, f.DataRate, f.CodingRate,
		f.DevAddr[:], f.FCntUp, f.DevStatus.Battery, f.DevStatus.Margin,
		f.DevStatus.Valid, f.ReceivedAt)
	return err
}

func (s *PostgresStore) AppendEvent(ctx context.Context, e *Event) error {
	e.ID = uuid.New()
	var devEUI, gatewayMAC []byte
	var devAddr []byte
	if e.DevEUI != nil {
		devEUI = e.DevEUI[:]
	}
	if e.DevAddr != nil {
		devAddr = e.DevAddr[:]
	}
	if e.GatewayMAC != nil {
		gatewayMAC = e.GatewayMAC[:]
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, time, type, level, dev_eui, dev_addr, gateway_mac, message)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		e.ID, e.Time, string(e.Type), string(e.Level), devEUI, devAddr, gatewayMAC, e.Message)
	return err
}

func (s *PostgresStore) ListEvents(ctx context.Context, filter EventFilter, limit int) ([]Event, error) {
	query := `SELECT id, time, type, level, dev_eui, dev_addr, gateway_mac, message FROM events WHERE 1=1`
	var args []interface{}
	argN := 0

	if filter.DevEUI != nil {
		argN++
		query += fmt.Sprintf(" AND dev_eui = $%d", argN)
		args = append(args, filter.DevEUI[:])
	}
	if filter.GatewayMAC != nil {
		argN++
		query += fmt.Sprintf(" AND gateway_mac = $%d", argN)
		args = append(args, filter.GatewayMAC[:])
	}
	if !filter.Since.IsZero() {
		argN++
		query += fmt.Sprintf(" AND time >= $%d", argN)
		args = append(args, filter.Since)
	}
	argN++
	query += fmt.Sprintf(" ORDER BY time DESC LIMIT $%d", argN)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var eType, eLevel string
		var devEUI, devAddr, gatewayMAC []byte
		if err := rows.Scan(&e.ID, &e.Time, &eType, &eLevel, &devEUI, &devAddr, &gatewayMAC, &e.Message); err != nil {
			return nil, err
		}
		e.Type, e.Level = EventType(eType), EventLevel(eLevel)
		if devEUI != nil {
			var eui lorawan.EUI64
			copy(eui[:], devEUI)
			e.DevEUI = &eui
		}
		if devAddr != nil {
			var addr lorawan.DevAddr
			copy(addr[:], devAddr)
			e.DevAddr = &addr
		}
		if gatewayMAC != nil {
			var mac lorawan.EUI64
			copy(mac[:], gatewayMAC)
			e.GatewayMAC = &mac
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// JoinTx runs fn inside a database transaction, using the transaction's own
// connection for both the collision predicate and the final writes so the
// whole read-modify-write is atomic (spec §4.3, §4.5 step 6).
func (s *PostgresStore) JoinTx(ctx context.Context, devEUI lorawan.EUI64, fn func(dev *Device, prevLink *Link, devAddrTaken func(lorawan.DevAddr) bool) (*Device, *Link, error)) (*Device, *Link, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	dev, err := getDevice(ctx, tx, devEUI)
	if err != nil {
		return nil, nil, err
	}

	var prevLink *Link
	if dev.Link != nil {
		prevLink, err = getLink(ctx, tx, *dev.Link)
		if err != nil && err != ErrNotFound {
			return nil, nil, err
		}
		if err == ErrNotFound {
			prevLink = nil
		}
	}

	devAddrTaken := func(addr lorawan.DevAddr) bool {
		if prevLink != nil && addr == prevLink.DevAddr {
			return false
		}
		var exists bool
		_ = tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM links WHERE dev_addr = $1)`, addr[:]).Scan(&exists)
		return exists
	}

	newDev, newLink, err := fn(dev, prevLink, devAddrTaken)
	if err != nil {
		return nil, nil, err
	}

	if err := putDevice(ctx, tx, newDev); err != nil {
		return nil, nil, err
	}
	if newLink != nil {
		if err := putLink(ctx, tx, newLink); err != nil {
			return nil, nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	return newDev, newLink, nil
}

func putDevice(ctx context.Context, q execer, dev *Device) error {
	var linkBytes []byte
	if dev.Link != nil {
		linkBytes = dev.Link[:]
	}
	_, err := q.ExecContext(ctx, `
		UPDATE devices SET link = $2, last_join_at = $3 WHERE dev_eui = $1`,
		dev.DevEUI[:], linkBytes, dev.LastJoinAt)
	return err
}

// IncrementFCntDown atomically increments fcnt_down and returns the new
// value (spec §5, "Counter atomicity").
func (s *PostgresStore) IncrementFCntDown(ctx context.Context, devAddr lorawan.DevAddr) (uint32, error) {
	var fcnt uint32
	err := s.db.QueryRowContext(ctx, `
		UPDATE links SET fcnt_down = fcnt_down + 1 WHERE dev_addr = $1
		RETURNING fcnt_down`, devAddr[:]).Scan(&fcnt)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return fcnt, err
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}
