package database

import (
	"errors"
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// User is a bouncer account. Password holds a bcrypt hash.
type User struct {
	ID       int64  `gorm:"primaryKey"`
	Username string `gorm:"uniqueIndex"`
	Password string
	Admin    bool
	BindHost string
}

// SetPassword replaces the user's password with a bcrypt hash of plain.
func (u *User) SetPassword(plain string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to generate bcrypt hash: %v", err)
	}
	u.Password = string(hash)
	return nil
}

// Network is an upstream IRC network owned by a user.
type Network struct {
	ID           int64  `gorm:"primaryKey"`
	UserID       int64  `gorm:"index"`
	Name         string `gorm:"index"`
	Host         string
	Port         int
	TLS          bool
	TLSVerify    bool
	Nick         string
	Username     string
	Realname     string
	Password     string
	SASLAccount  string
	SASLPassword string
	BindHost     string
}

// Connection is the persisted form of a connection-state record. Complex
// fields are serialized as JSON strings; the row is written with
// insert-or-replace semantics keyed by conid.
type Connection struct {
	ConID                string `gorm:"column:conid;primaryKey"`
	Type                 int
	NetRegistered        bool
	Connected            bool
	ServerPrefix         string
	Nick                 string
	Username             string
	Realname             string
	Account              string
	Password             string
	Host                 string
	Port                 int
	TLS                  bool
	TLSVerify            bool
	BindHost             string
	SASL                 string
	RegistrationLines    string
	ISupports            string
	Caps                 string
	Buffers              string
	ReceivedMotd         bool
	AuthUserID           int64 `gorm:"index:idx_connections_auth"`
	AuthNetworkID        int64 `gorm:"index:idx_connections_auth"`
	AuthNetworkName      string
	AuthAdmin            bool
	LinkedIncomingConIDs string
	Logging              bool
	TempData             string
}

func (Connection) TableName() string {
	return "connections"
}

type DB struct {
	gorm *gorm.DB
}

// Open opens (and migrates) the SQLite database at path.
func Open(path string) (*DB, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		// Concurrent writers wait for the lock instead of failing with
		// SQLITE_BUSY.
		dsn += "?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)"
	}
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database %q: %v", path, err)
	}
	if err := gdb.AutoMigrate(&User{}, &Network{}, &Connection{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %v", err)
	}
	return &DB{gorm: gdb}, nil
}

func (db *DB) Close() error {
	sqlDB, err := db.gorm.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// AuthUser checks a username/password pair. It returns nil on a failed match
// and an error only on storage failure.
func (db *DB) AuthUser(username, password string) (*User, error) {
	var u User
	err := db.gorm.First(&u, "username = ?", username).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(password)) != nil {
		return nil, nil
	}
	return &u, nil
}

// AuthUserNetwork checks a username/password pair and resolves one of the
// user's networks by name. It returns nil if either step fails.
func (db *DB) AuthUserNetwork(username, password, networkName string) (*Network, error) {
	u, err := db.AuthUser(username, password)
	if err != nil || u == nil {
		return nil, err
	}
	return db.GetNetworkByName(u.ID, networkName)
}

func (db *DB) GetUser(id int64) (*User, error) {
	var u User
	err := db.gorm.First(&u, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return &u, nil
}

func (db *DB) GetUserByName(username string) (*User, error) {
	var u User
	err := db.gorm.First(&u, "username = ?", username).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return &u, nil
}

func (db *DB) StoreUser(u *User) error {
	return db.gorm.Save(u).Error
}

func (db *DB) GetNetwork(id int64) (*Network, error) {
	var n Network
	err := db.gorm.First(&n, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return &n, nil
}

func (db *DB) GetNetworkByName(userID int64, name string) (*Network, error) {
	var n Network
	err := db.gorm.First(&n, "user_id = ? AND name = ?", userID, name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return &n, nil
}

func (db *DB) GetUserNetworks(userID int64) ([]Network, error) {
	var nets []Network
	if err := db.gorm.Where("user_id = ?", userID).Order("id").Find(&nets).Error; err != nil {
		return nil, err
	}
	return nets, nil
}

func (db *DB) StoreNetwork(n *Network) error {
	return db.gorm.Save(n).Error
}

func (db *DB) DeleteNetwork(id int64) error {
	return db.gorm.Delete(&Network{}, "id = ?", id).Error
}

// StoreConnection upserts the full connection record.
func (db *DB) StoreConnection(rec *Connection) error {
	return db.gorm.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "conid"}},
		UpdateAll: true,
	}).Create(rec).Error
}

func (db *DB) GetConnection(conID string) (*Connection, error) {
	var rec Connection
	err := db.gorm.First(&rec, "conid = ?", conID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (db *DB) DeleteConnection(conID string) error {
	return db.gorm.Delete(&Connection{}, "conid = ?", conID).Error
}

// ListConnectionsByType returns all persisted connection records of the given
// type, used to resume outgoing upstream sessions after a process restart.
func (db *DB) ListConnectionsByType(typ int) ([]Connection, error) {
	var recs []Connection
	if err := db.gorm.Where("type = ?", typ).Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}
