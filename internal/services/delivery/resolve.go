package delivery

import (
	"context"

	"newsbot/internal/directory"
	"newsbot/internal/newsletter"
)

// Resolve maps an audience tag to the concrete recipient set. The match for
// role audiences is an exact role-name comparison, not the tag value. An
// empty result is a valid outcome, not an error.
func (s *Service) Resolve(ctx context.Context, aud newsletter.Audience) ([]directory.User, error) {
	switch aud {
	case newsletter.AudienceAll:
		return s.dir.ListAllUsers(ctx)
	case newsletter.AudienceUsers:
		return s.dir.ListUsersByRole(ctx, directory.RoleUser)
	case newsletter.AudienceModerators:
		return s.dir.ListUsersByRole(ctx, directory.RoleModerator)
	case newsletter.AudienceAdmins:
		return s.dir.ListUsersByRole(ctx, directory.RoleAdmin)
	}
	return nil, &newsletter.UnknownValueError{Enum: "audience", Value: string(aud)}
}
