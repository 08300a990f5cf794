package device

import (
	"context"
	"time"

	"e2e_relay/internal/model"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type (
	// Repo holds accounts and the devices belonging to them. Durable
	// identity lives here; nothing about live connections does.
	Repo struct {
		accounts *mongo.Collection
		devices  *mongo.Collection
	}
)

func NewRepo(db *mongo.Database) *Repo {
	return &Repo{
		accounts: db.Collection("accounts"),
		devices:  db.Collection("devices"),
	}
}

func (r *Repo) EnsureIndexes(ctx context.Context) error {
	_, err := r.accounts.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "handle", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return errors.Wrap(err, "deviceRepo.EnsureIndexes.accounts")
	}

	_, err = r.devices.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "account_id", Value: 1}, {Key: "last_seen", Value: -1}},
	})
	return errors.Wrap(err, "deviceRepo.EnsureIndexes.devices")
}

func (r *Repo) CreateAccount(ctx context.Context, account *model.Account) error {
	account.CreatedAt = time.Now().UTC()
	_, err := r.accounts.InsertOne(ctx, account)
	if err != nil {
		return errors.Wrap(err, "deviceRepo.CreateAccount.InsertOne")
	}
	return nil
}

func (r *Repo) GetAccountByHandle(ctx context.Context, handle string) (*model.Account, error) {
	var account model.Account
	err := r.accounts.FindOne(ctx, bson.M{"handle": handle}).Decode(&account)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "deviceRepo.GetAccountByHandle.FindOne")
	}
	return &account, nil
}

// RegisterDevice upserts the device record. Re-registration of the same
// device id keeps the id stable and refreshes the remaining fields.
func (r *Repo) RegisterDevice(ctx context.Context, device *model.Device) error {
	device.LastSeen = time.Now().UTC()
	update := bson.M{"$set": bson.M{
		"account_id":   device.AccountID,
		"display_name": device.DisplayName,
		"last_seen":    device.LastSeen,
	}}
	_, err := r.devices.UpdateByID(ctx, device.ID, update, options.Update().SetUpsert(true))
	if err != nil {
		return errors.Wrap(err, "deviceRepo.RegisterDevice.UpdateByID")
	}
	return nil
}

func (r *Repo) GetDevice(ctx context.Context, deviceID string) (*model.Device, error) {
	var device model.Device
	err := r.devices.FindOne(ctx, bson.M{"_id": deviceID}).Decode(&device)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "deviceRepo.GetDevice.FindOne")
	}
	return &device, nil
}

// MostRecentDevice returns the account's device with the newest last_seen,
// or nil when the account has no devices.
func (r *Repo) MostRecentDevice(ctx context.Context, accountID string) (*model.Device, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "last_seen", Value: -1}})

	var device model.Device
	err := r.devices.FindOne(ctx, bson.M{"account_id": accountID}, opts).Decode(&device)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "deviceRepo.MostRecentDevice.FindOne")
	}
	return &device, nil
}

func (r *Repo) ListDevices(ctx context.Context, accountID string) ([]*model.Device, error) {
	cur, err := r.devices.Find(ctx, bson.M{"account_id": accountID})
	if err != nil {
		return nil, errors.Wrap(err, "deviceRepo.ListDevices.Find")
	}

	var devices []*model.Device
	if err := cur.All(ctx, &devices); err != nil {
		return nil, errors.Wrap(err, "deviceRepo.ListDevices.All")
	}
	return devices, nil
}

func (r *Repo) TouchLastSeen(ctx context.Context, deviceID string) error {
	update := bson.M{"$set": bson.M{"last_seen": time.Now().UTC()}}
	_, err := r.devices.UpdateByID(ctx, deviceID, update)
	if err != nil {
		return errors.Wrap(err, "deviceRepo.TouchLastSeen.UpdateByID")
	}
	return nil
}

func (r *Repo) RemoveDevice(ctx context.Context, deviceID string) error {
	_, err := r.devices.DeleteOne(ctx, bson.M{"_id": deviceID})
	if err != nil {
		return errors.Wrap(err, "deviceRepo.RemoveDevice.DeleteOne")
	}
	return nil
}
