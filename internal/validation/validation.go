// Package validation содержит проверки параметров покупки.
package validation

import (
	"errors"
	"fmt"

	"github.com/mmeshcher/simbroker-system/internal/model"
)

// ErrValidation возвращается при некорректных параметрах запроса.
// Проверки выполняются до любых побочных эффектов.
var ErrValidation = errors.New("validation failed")

// CheckItem проверяет, что позиция каталога активна и пригодна к покупке.
func CheckItem(item *model.CatalogItem) error {
	if item == nil {
		return fmt.Errorf("%w: unknown catalog item", ErrValidation)
	}
	if !item.Active {
		return fmt.Errorf("%w: item %d is inactive", ErrValidation, item.ID)
	}
	return nil
}

// CheckQuantity проверяет количество для товара. Для товаров с поштучной
// ценой количество должно попадать в [min, max]; для остальных — равняться 1.
func CheckQuantity(item *model.CatalogItem, quantity int64) error {
	if item.Kind != model.ItemKindSMM {
		if quantity != 1 {
			return fmt.Errorf("%w: quantity must be 1 for %s items", ErrValidation, item.Kind)
		}
		return nil
	}

	if quantity < item.MinQuantity || quantity > item.MaxQuantity {
		return fmt.Errorf("%w: quantity %d outside [%d, %d]",
			ErrValidation, quantity, item.MinQuantity, item.MaxQuantity)
	}

	return nil
}

// CheckSelector проверяет селектор запроса цен.
func CheckSelector(kind string) (model.ItemKind, error) {
	switch model.ItemKind(kind) {
	case model.ItemKindNumber, model.ItemKindESIM, model.ItemKindESIMTopup, model.ItemKindSMM:
		return model.ItemKind(kind), nil
	}
	return "", fmt.Errorf("%w: unknown item kind %q", ErrValidation, kind)
}
