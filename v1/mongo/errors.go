package mongo

import (
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/Aleph-Alpha/mediaset/v1/docstore"
)

// Server error codes the adapter reacts to.
const (
	codeNamespaceNotFound = 26
	codeCursorNotFound    = 43
	codeIndexNotFound     = 27
)

// translateError maps driver errors onto the docstore sentinels while
// keeping the driver error in the chain.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("%w: %w", docstore.ErrNoDocuments, err)
	}
	if errors.Is(err, mongo.ErrClientDisconnected) {
		return fmt.Errorf("%w: %w", docstore.ErrClosed, err)
	}

	var bwe mongo.BulkWriteException
	if errors.As(err, &bwe) && len(bwe.WriteErrors) > 0 {
		first := bwe.WriteErrors[0]
		out := &docstore.BulkWriteError{
			Index:    first.Index,
			Code:     first.Code,
			Message:  first.Message,
			Failures: len(bwe.WriteErrors),
		}
		if first.Code != docstore.DuplicateKeyCode {
			out.Cause = err
		}
		return out
	}

	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %w", docstore.ErrDuplicateKey, err)
	}

	var se mongo.ServerError
	if errors.As(err, &se) && se.HasErrorCode(codeCursorNotFound) {
		return fmt.Errorf("%w: %w", docstore.ErrCursorNotFound, err)
	}
	return err
}

func hasCode(err error, code int) bool {
	var se mongo.ServerError
	return errors.As(err, &se) && se.HasErrorCode(code)
}
