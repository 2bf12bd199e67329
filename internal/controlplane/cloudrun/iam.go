package cloudrun

import (
	"context"
	"slices"

	"github.com/danmuck/runctl/internal/controlplane"
	"github.com/danmuck/runctl/internal/resource"
	"github.com/rs/zerolog/log"
	run "google.golang.org/api/run/v1"
)

// ListBindings returns invoker members in policy order, indexed by position.
func (c *Client) ListBindings(ctx context.Context, svc resource.ServiceIdentity) ([]resource.IamBinding, error) {
	policy, err := c.global.Projects.Locations.Services.GetIamPolicy(iamResource(svc)).Context(ctx).Do()
	if err != nil {
		return nil, remoteError("iam policy "+svc.Key(), err)
	}
	members := invokerMembers(policy)
	out := make([]resource.IamBinding, 0, len(members))
	for i, m := range members {
		out = append(out, resource.IamBinding{Index: i, Member: m, Role: resource.InvokerRole})
	}
	return out, nil
}

// ApplyBinding edits the invoker member set: the previous member is removed
// and the next member added. The policy etag read here is sent back, so a
// concurrent external write fails the call instead of being overwritten.
func (c *Client) ApplyBinding(ctx context.Context, svc resource.ServiceIdentity, change controlplane.BindingChange) error {
	c.iamMu.Lock()
	defer c.iamMu.Unlock()

	what := "binding " + change.Key
	policy, err := c.global.Projects.Locations.Services.GetIamPolicy(iamResource(svc)).Context(ctx).Do()
	if err != nil {
		return remoteError(what, err)
	}
	setInvokerMembers(policy, applyChange(invokerMembers(policy), change))
	_, err = c.global.Projects.Locations.Services.SetIamPolicy(iamResource(svc), &run.SetIamPolicyRequest{
		Policy: policy,
	}).Context(ctx).Do()
	if err != nil {
		return remoteError(what, err)
	}
	log.Info().Str("service", svc.Key()).Str("binding", change.Key).Msg("cloudrun.Client.ApplyBinding")
	return nil
}

func applyChange(members []string, change controlplane.BindingChange) []string {
	out := slices.Clone(members)
	if change.Previous != nil {
		out = slices.DeleteFunc(out, func(m string) bool { return m == change.Previous.Member })
	}
	if change.Next != nil && !slices.Contains(out, change.Next.Member) {
		out = append(out, change.Next.Member)
	}
	return out
}

func invokerMembers(policy *run.Policy) []string {
	if policy == nil {
		return nil
	}
	for _, b := range policy.Bindings {
		if b.Role == resource.InvokerRole && b.Condition == nil {
			return slices.Clone(b.Members)
		}
	}
	return nil
}

// setInvokerMembers rewrites the unconditional invoker binding, dropping it
// when no members remain.
func setInvokerMembers(policy *run.Policy, members []string) {
	kept := policy.Bindings[:0]
	for _, b := range policy.Bindings {
		if b.Role == resource.InvokerRole && b.Condition == nil {
			continue
		}
		kept = append(kept, b)
	}
	if len(members) > 0 {
		kept = append(kept, &run.Binding{Role: resource.InvokerRole, Members: members})
	}
	policy.Bindings = kept
}
