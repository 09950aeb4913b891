package tools

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/sightlinehq/sightline/pkg/toolexec"
)

var slugPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// LinkTools builds the short-link tool set. Links are owned by the website's
// organization, so every call first resolves the organization id; a
// successful lookup is cached for the life of the tool set since the binding
// cannot change within a run, while a failed lookup is retried on the next
// call.
func LinkTools(deps Deps) []toolexec.ToolDefinition {
	var (
		orgMu sync.Mutex
		orgID string
	)
	organizationID := func(ctx context.Context) (string, error) {
		orgMu.Lock()
		defer orgMu.Unlock()

		if orgID != "" {
			return orgID, nil
		}

		var website struct {
			OrganizationID string `json:"organizationId"`
		}
		if _, err := call(ctx, deps, "websites", "getById", map[string]interface{}{
			"id": deps.Session.WebsiteID,
		}, &website); err != nil {
			return "", err
		}
		if website.OrganizationID == "" {
			return "", fmt.Errorf("this website is not associated with an organization, links require an organization")
		}

		orgID = website.OrganizationID
		return orgID, nil
	}

	getLink := func(ctx context.Context, id string) (map[string]interface{}, error) {
		org, err := organizationID(ctx)
		if err != nil {
			return nil, err
		}
		var link map[string]interface{}
		if _, err := call(ctx, deps, "links", "get", map[string]interface{}{
			"id":             id,
			"organizationId": org,
		}, &link); err != nil {
			return nil, err
		}
		return link, nil
	}

	ogParams := []toolexec.ToolParameter{
		{Name: "ogTitle", Type: "string", Description: "Custom Open Graph title for social sharing (max 200 characters)"},
		{Name: "ogDescription", Type: "string", Description: "Custom Open Graph description for social sharing (max 500 characters)"},
		{Name: "ogImageUrl", Type: "string", Description: "Custom Open Graph image URL for social sharing"},
	}

	return []toolexec.ToolDefinition{
		{
			Name:        "list_links",
			Description: "List all short links for the current website's organization. Returns links with their slugs, target URLs, and metadata.",
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				org, err := organizationID(ctx)
				if err != nil {
					return nil, err
				}
				raw, err := call(ctx, deps, "links", "list", map[string]interface{}{
					"organizationId": org,
				}, nil)
				if err != nil {
					return nil, err
				}
				return map[string]interface{}{
					"links": raw,
					"count": countRows(raw),
				}, nil
			},
		},
		{
			Name:        "get_link",
			Description: "Get details of a specific short link by ID, including OG metadata.",
			Parameters: []toolexec.ToolParameter{
				{Name: "id", Type: "string", Description: "The link ID", Required: true},
			},
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				return getLink(ctx, strArg(params, "id"))
			},
		},
		{
			Name:        "search_links",
			Description: "Search for links by name, slug, or target URL. Useful for finding specific links.",
			Parameters: []toolexec.ToolParameter{
				{Name: "query", Type: "string", Description: "Search query (matches name, slug, or target URL)", Required: true},
			},
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				query := strings.ToLower(strArg(params, "query"))
				if query == "" {
					return nil, fmt.Errorf("search query cannot be empty")
				}
				org, err := organizationID(ctx)
				if err != nil {
					return nil, err
				}
				var links []map[string]interface{}
				if _, err := call(ctx, deps, "links", "list", map[string]interface{}{
					"organizationId": org,
				}, &links); err != nil {
					return nil, err
				}
				matches := []map[string]interface{}{}
				for _, link := range links {
					name, _ := link["name"].(string)
					slug, _ := link["slug"].(string)
					target, _ := link["targetUrl"].(string)
					if strings.Contains(strings.ToLower(name), query) ||
						strings.Contains(strings.ToLower(slug), query) ||
						strings.Contains(strings.ToLower(target), query) {
						matches = append(matches, link)
					}
				}
				return map[string]interface{}{
					"links": matches,
					"count": len(matches),
				}, nil
			},
		},
		{
			Name:        "create_link",
			Description: "Create a new short link. Always preview first and ask the user to confirm.",
			Parameters: append([]toolexec.ToolParameter{
				{Name: "name", Type: "string", Description: "A descriptive name for the link (e.g., 'Black Friday Sale')", Required: true},
				{Name: "targetUrl", Type: "string", Description: "The destination URL to redirect to", Required: true},
				{Name: "slug", Type: "string", Description: "Custom short URL slug (e.g., 'sale' creates /sale). Auto-generated if not provided."},
				{Name: "expiresAt", Type: "string", Description: "Expiration timestamp in RFC 3339 format"},
				{Name: "expiredRedirectUrl", Type: "string", Description: "URL to redirect to after the link expires"},
			}, ogParams...),
			Mutating: true,
			Preview: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				if err := validateLinkArgs(params, true); err != nil {
					return nil, err
				}
				return map[string]interface{}{
					"action":    "create link",
					"message":   "Please review the link details below and confirm if you want to create it:",
					"name":      strArg(params, "name"),
					"targetUrl": strArg(params, "targetUrl"),
					"slug":      orDefault(strArg(params, "slug"), "(auto-generated)"),
					"expiresAt": orDefault(strArg(params, "expiresAt"), "Never"),
				}, nil
			},
			Commit: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				if err := validateLinkArgs(params, true); err != nil {
					return nil, err
				}
				org, err := organizationID(ctx)
				if err != nil {
					return nil, err
				}
				input := map[string]interface{}{
					"organizationId": org,
					"name":           strArg(params, "name"),
					"targetUrl":      strArg(params, "targetUrl"),
				}
				for _, field := range []string{"slug", "expiresAt", "expiredRedirectUrl", "ogTitle", "ogDescription", "ogImageUrl"} {
					if v, ok := optStrArg(params, field); ok {
						input[field] = v
					}
				}
				var link map[string]interface{}
				if _, err := call(ctx, deps, "links", "create", input, &link); err != nil {
					return nil, err
				}
				slug, _ := link["slug"].(string)
				return map[string]interface{}{
					"success":  true,
					"message":  fmt.Sprintf("Link %q created successfully", strArg(params, "name")),
					"link":     link,
					"shortUrl": "/" + slug,
				}, nil
			},
		},
		{
			Name:        "update_link",
			Description: "Update an existing short link's name, target, slug, expiration, or OG metadata. Always preview first and ask the user to confirm.",
			Parameters: append([]toolexec.ToolParameter{
				{Name: "id", Type: "string", Description: "The link ID to update", Required: true},
				{Name: "name", Type: "string", Description: "New name (1-255 characters)"},
				{Name: "targetUrl", Type: "string", Description: "New target URL"},
				{Name: "slug", Type: "string", Description: "New slug (3-50 characters, letters, digits, hyphen, underscore)"},
				{Name: "expiresAt", Type: "string", Description: "New expiration timestamp in RFC 3339 format"},
				{Name: "expiredRedirectUrl", Type: "string", Description: "New expired redirect URL"},
			}, ogParams...),
			Mutating: true,
			Preview: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				changes, err := linkUpdateChanges(params)
				if err != nil {
					return nil, err
				}
				current, err := getLink(ctx, strArg(params, "id"))
				if err != nil {
					return nil, err
				}
				return map[string]interface{}{
					"action":  "update link",
					"message": "Please review the changes below and confirm if you want to apply them:",
					"current": current,
					"changes": changes,
				}, nil
			},
			Commit: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				changes, err := linkUpdateChanges(params)
				if err != nil {
					return nil, err
				}
				org, err := organizationID(ctx)
				if err != nil {
					return nil, err
				}
				input := map[string]interface{}{
					"id":             strArg(params, "id"),
					"organizationId": org,
				}
				for k, v := range changes {
					input[k] = v
				}
				var link map[string]interface{}
				if _, err := call(ctx, deps, "links", "update", input, &link); err != nil {
					return nil, err
				}
				return map[string]interface{}{
					"success": true,
					"message": "Link updated successfully",
					"link":    link,
				}, nil
			},
		},
		{
			Name:        "delete_link",
			Description: "Delete a short link permanently. Always preview first and ask the user to confirm.",
			Parameters: []toolexec.ToolParameter{
				{Name: "id", Type: "string", Description: "The link ID to delete", Required: true},
			},
			Mutating: true,
			Preview: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				link, err := getLink(ctx, strArg(params, "id"))
				if err != nil {
					return nil, err
				}
				return map[string]interface{}{
					"action":  "delete link",
					"message": "Are you sure you want to delete this link? This action cannot be undone.",
					"link": map[string]interface{}{
						"name":      link["name"],
						"slug":      link["slug"],
						"targetUrl": link["targetUrl"],
					},
				}, nil
			},
			Commit: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				if _, err := call(ctx, deps, "links", "delete", map[string]interface{}{
					"id": strArg(params, "id"),
				}, nil); err != nil {
					return nil, err
				}
				return map[string]interface{}{
					"success": true,
					"message": "Link deleted successfully",
				}, nil
			},
		},
	}
}

// validateLinkArgs checks name, target URL, slug, and timestamp fields.
// requireCore enforces the fields mandatory on creation.
func validateLinkArgs(params map[string]interface{}, requireCore bool) error {
	if requireCore {
		if err := validateName(strArg(params, "name"), 255); err != nil {
			return err
		}
		if err := validateURL(strArg(params, "targetUrl"), "targetUrl"); err != nil {
			return err
		}
	}
	if slug, ok := optStrArg(params, "slug"); ok {
		if err := validateSlug(slug); err != nil {
			return err
		}
	}
	if expires, ok := optStrArg(params, "expiresAt"); ok {
		if err := validateTimestamp(expires, "expiresAt"); err != nil {
			return err
		}
	}
	for _, field := range []string{"expiredRedirectUrl", "ogImageUrl"} {
		if v, ok := optStrArg(params, field); ok {
			if err := validateURL(v, field); err != nil {
				return err
			}
		}
	}
	return nil
}

func linkUpdateChanges(params map[string]interface{}) (map[string]interface{}, error) {
	if err := validateLinkArgs(params, false); err != nil {
		return nil, err
	}
	changes := map[string]interface{}{}
	if name, ok := optStrArg(params, "name"); ok {
		if err := validateName(name, 255); err != nil {
			return nil, err
		}
		changes["name"] = name
	}
	if target, ok := optStrArg(params, "targetUrl"); ok {
		if err := validateURL(target, "targetUrl"); err != nil {
			return nil, err
		}
		changes["targetUrl"] = target
	}
	for _, field := range []string{"slug", "expiresAt", "expiredRedirectUrl", "ogTitle", "ogDescription", "ogImageUrl"} {
		if v, ok := optStrArg(params, field); ok {
			changes[field] = v
		}
	}
	if len(changes) == 0 {
		return nil, fmt.Errorf("no changes provided, specify at least one field to update")
	}
	return changes, nil
}

func validateSlug(slug string) error {
	if len(slug) < 3 || len(slug) > 50 {
		return fmt.Errorf("slug must be between 3 and 50 characters")
	}
	if !slugPattern.MatchString(slug) {
		return fmt.Errorf("slug may only contain letters, digits, hyphens, and underscores")
	}
	return nil
}

func validateURL(raw, field string) error {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("%s must be a valid absolute URL", field)
	}
	return nil
}
