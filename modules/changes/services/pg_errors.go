package services

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func mapPgErrorToServiceError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return notFoundError("not found", err)
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}

	switch pgErr.Code {
	case "23505": // unique_violation
		switch pgErr.ConstraintName {
		case "change_cab_votes_change_voter_key":
			return newServiceError(http.StatusConflict, CodeDuplicateVote, "voter already has a live ballot", err)
		case "change_cab_stages_open_unique":
			return integrityError("CAB stage already open", err)
		case "change_approvals_change_contact_key":
			return integrityError("approval row already exists for contact", err)
		case "change_requests_tenant_id_code_key":
			return integrityError("change code already exists", err)
		default:
			return integrityError("unique constraint violated", err)
		}
	case "23503": // foreign_key_violation
		return newServiceError(http.StatusUnprocessableEntity, CodeIntegrity, "referenced record not found", err)
	case "23514": // check_violation
		return validationError(fmt.Sprintf("constraint violated (%s)", pgErr.ConstraintName))
	default:
		return newServiceError(http.StatusInternalServerError, CodeInternal, fmt.Sprintf("database error (%s)", pgErr.Code), err)
	}
}

func mapPgError(err error) error {
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return svcErr
	}
	return mapPgErrorToServiceError(err)
}
