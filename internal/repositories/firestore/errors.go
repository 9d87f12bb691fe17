package firestore

import (
	"errors"

	pfirestore "github.com/meridian-commerce/pimsync/internal/platform/firestore"
	"github.com/meridian-commerce/pimsync/internal/repositories"
)

// wrapStoreError translates platform Firestore errors into the typed store
// errors the repository interfaces promise.
func wrapStoreError(op string, err error) error {
	if err == nil {
		return nil
	}

	code := repositories.StoreErrorUnknown
	var fsErr *pfirestore.Error
	if errors.As(err, &fsErr) {
		switch {
		case fsErr.IsNotFound():
			code = repositories.StoreErrorNotFound
		case fsErr.IsConflict():
			code = repositories.StoreErrorConflict
		case fsErr.IsUnavailable():
			code = repositories.StoreErrorUnavailable
		}
	}
	return repositories.NewStoreError(op, code, err)
}

// missingError reports a query that matched no documents.
func missingError(op string) error {
	return repositories.NewStoreError(op, repositories.StoreErrorNotFound, nil)
}
