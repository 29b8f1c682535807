package money

import (
	"context"
	"reflect"
	"strconv"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gorm.io/gorm/schema"
)

// SerializerName is the gorm serializer tag for amounts stored as cents
const SerializerName = "cents"

// ErrTooPrecise is returned for amounts with more than Scale fractional digits
var ErrTooPrecise = errors.New("amount has more fractional digits than can be stored")

// ToCents converts an amount to integer hundredths
func ToCents(amount decimal.Decimal) (int64, error) {
	shifted := amount.Shift(Scale)
	if !shifted.IsInteger() {
		return 0, errors.Wrapf(ErrTooPrecise, "got %s", amount.String())
	}
	return shifted.IntPart(), nil
}

// FromCents converts integer hundredths back to an amount
func FromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -Scale)
}

// CentsSerializer persists decimal.Decimal fields as BIGINT hundredths so
// relative increments in SQL stay exact on every driver
type CentsSerializer struct{}

// Scan implements schema.SerializerInterface
func (CentsSerializer) Scan(ctx context.Context, field *schema.Field, dst reflect.Value, dbValue interface{}) error {
	cents, err := centsFromDB(dbValue)
	if err != nil {
		return errors.Wrapf(err, "failed to scan %s", field.Name)
	}
	field.ReflectValueOf(ctx, dst).Set(reflect.ValueOf(FromCents(cents)))
	return nil
}

// Value implements schema.SerializerValuerInterface
func (CentsSerializer) Value(_ context.Context, field *schema.Field, _ reflect.Value, fieldValue interface{}) (interface{}, error) {
	switch v := fieldValue.(type) {
	case decimal.Decimal:
		return ToCents(v)
	case *decimal.Decimal:
		if v == nil {
			return int64(0), nil
		}
		return ToCents(*v)
	case int64:
		return v, nil
	default:
		return nil, errors.Errorf("%s: cannot store %T as cents", field.Name, fieldValue)
	}
}

func centsFromDB(dbValue interface{}) (int64, error) {
	switch v := dbValue.(type) {
	case nil:
		return 0, nil
	case int64:
		return v, nil
	case int32:
		return int64(v), nil
	case int:
		return int64(v), nil
	case []byte:
		return strconv.ParseInt(string(v), 10, 64)
	case string:
		return strconv.ParseInt(v, 10, 64)
	default:
		return 0, errors.Errorf("unexpected cents column type %T", dbValue)
	}
}
