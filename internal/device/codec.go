package device

import (
	"encoding/json"
	"fmt"
)

// EncodeConfig serialises a brand config for storage or transport.
func EncodeConfig(c BrandConfig) (Brand, []byte, error) {
	if c == nil {
		return "", nil, fmt.Errorf("%w: brand config is required", ErrInvalidDevice)
	}
	data, err := json.Marshal(c)
	if err != nil {
		return "", nil, fmt.Errorf("marshalling %s config: %w", c.Brand(), err)
	}
	return c.Brand(), data, nil
}

// DecodeConfig rebuilds the brand config variant for brand from JSON.
// Empty data yields the zero value of the variant.
func DecodeConfig(brand Brand, data []byte) (BrandConfig, error) {
	if len(data) == 0 {
		data = []byte("{}")
	}
	switch brand {
	case BrandEBKN:
		var c EBKNConfig
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		return c, nil
	case BrandADMS:
		var c ADMSConfig
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		return c, nil
	case BrandISAPI:
		var c ISAPIConfig
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidBrand, brand)
	}
}
