package sagemaker

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	sm "github.com/aws/aws-sdk-go-v2/service/sagemaker"
	"github.com/aws/aws-sdk-go-v2/service/sagemaker/types"
	"github.com/aws/smithy-go"
	log "github.com/sirupsen/logrus"

	"registry-sync-service/internal/core/domain"
	ports "registry-sync-service/internal/core/ports/output"
)

// Content types the serving containers accept, mirrored on every package.
var supportedContentTypes = []string{"application/json", "text/csv", "application/x-npy"}

const groupSourceTag = "model-source"

// registryAPI is the slice of the SageMaker SDK surface the adapter calls.
type registryAPI interface {
	ListModelPackageGroups(ctx context.Context, in *sm.ListModelPackageGroupsInput, optFns ...func(*sm.Options)) (*sm.ListModelPackageGroupsOutput, error)
	CreateModelPackageGroup(ctx context.Context, in *sm.CreateModelPackageGroupInput, optFns ...func(*sm.Options)) (*sm.CreateModelPackageGroupOutput, error)
	ListModelPackages(ctx context.Context, in *sm.ListModelPackagesInput, optFns ...func(*sm.Options)) (*sm.ListModelPackagesOutput, error)
	DescribeModelPackage(ctx context.Context, in *sm.DescribeModelPackageInput, optFns ...func(*sm.Options)) (*sm.DescribeModelPackageOutput, error)
	CreateModelPackage(ctx context.Context, in *sm.CreateModelPackageInput, optFns ...func(*sm.Options)) (*sm.CreateModelPackageOutput, error)
	UpdateModelPackage(ctx context.Context, in *sm.UpdateModelPackageInput, optFns ...func(*sm.Options)) (*sm.UpdateModelPackageOutput, error)
	DeleteModelPackage(ctx context.Context, in *sm.DeleteModelPackageInput, optFns ...func(*sm.Options)) (*sm.DeleteModelPackageOutput, error)
}

type client struct {
	sm registryAPI
}

// NewClient creates a target registry adapter over the SageMaker Model
// Registry.
func NewClient(awsCfg aws.Config) ports.TargetRegistry {
	return &client{sm: sm.NewFromConfig(awsCfg)}
}

func (c *client) EnsureGroup(ctx context.Context, groupName string) error {
	// NameContains matches substrings, so the result can span pages even
	// when the exact group exists.
	var nextToken *string
	for {
		list, err := c.sm.ListModelPackageGroups(ctx, &sm.ListModelPackageGroupsInput{
			NameContains: aws.String(groupName),
			NextToken:    nextToken,
		})
		if err != nil {
			return classify(err, domain.ErrRegistration, "list model package groups")
		}

		for _, g := range list.ModelPackageGroupSummaryList {
			if aws.ToString(g.ModelPackageGroupName) == groupName {
				return nil
			}
		}

		if list.NextToken == nil {
			break
		}
		nextToken = list.NextToken
	}

	_, err := c.sm.CreateModelPackageGroup(ctx, &sm.CreateModelPackageGroupInput{
		ModelPackageGroupName: aws.String(groupName),
		Tags: []types.Tag{
			{Key: aws.String(groupSourceTag), Value: aws.String("mlflow")},
		},
	})
	if err != nil {
		return classify(err, domain.ErrRegistration, "create model package group")
	}

	log.WithField("group", groupName).Info("model package group created")
	return nil
}

// ListPackages describes every package in the group and keeps those carrying
// a source run_id. Packages registered by other tooling are invisible to
// reconciliation.
func (c *client) ListPackages(ctx context.Context, groupName string) ([]*domain.ModelPackage, error) {
	var packages []*domain.ModelPackage

	var nextToken *string
	for {
		page, err := c.sm.ListModelPackages(ctx, &sm.ListModelPackagesInput{
			ModelPackageGroupName: aws.String(groupName),
			NextToken:             nextToken,
		})
		if err != nil {
			if notFound(err) {
				// No group yet means no packages, not a failure.
				return nil, nil
			}
			return nil, classify(err, domain.ErrRegistration, "list model packages")
		}

		for _, summary := range page.ModelPackageSummaryList {
			pkg, err := c.describe(ctx, aws.ToString(summary.ModelPackageArn))
			if err != nil {
				return nil, err
			}
			if pkg != nil {
				packages = append(packages, pkg)
			}
		}

		if page.NextToken == nil {
			break
		}
		nextToken = page.NextToken
	}

	return packages, nil
}

func (c *client) describe(ctx context.Context, arn string) (*domain.ModelPackage, error) {
	out, err := c.sm.DescribeModelPackage(ctx, &sm.DescribeModelPackageInput{
		ModelPackageName: aws.String(arn),
	})
	if err != nil {
		return nil, classify(err, domain.ErrRegistration, "describe model package")
	}

	meta := out.CustomerMetadataProperties
	runID := meta[domain.MetaRunID]
	if runID == "" {
		return nil, nil
	}

	pkg := &domain.ModelPackage{
		ARN:            arn,
		RunID:          runID,
		ApprovalStatus: domain.ApprovalStatus(out.ModelApprovalStatus),
		SourceStage:    domain.Stage(meta[domain.MetaCurrentStage]),
		Metadata:       meta,
	}
	if spec := out.InferenceSpecification; spec != nil && len(spec.Containers) > 0 {
		pkg.ArtifactLocation = aws.ToString(spec.Containers[0].ModelDataUrl)
		pkg.ImageURI = aws.ToString(spec.Containers[0].Image)
	}
	return pkg, nil
}

func (c *client) CreatePackage(ctx context.Context, spec *ports.PackageSpec) (string, error) {
	out, err := c.sm.CreateModelPackage(ctx, &sm.CreateModelPackageInput{
		ModelPackageGroupName:   aws.String(spec.GroupName),
		ModelApprovalStatus:     types.ModelApprovalStatusApproved,
		ModelPackageDescription: aws.String(spec.Description),
		InferenceSpecification: &types.InferenceSpecification{
			Containers: []types.ModelPackageContainerDefinition{
				{
					Image:        aws.String(spec.ImageURI),
					ModelDataUrl: aws.String(spec.ArtifactLocation),
					Environment:  spec.Environment,
				},
			},
			SupportedContentTypes:      supportedContentTypes,
			SupportedResponseMIMETypes: supportedContentTypes,
		},
		CustomerMetadataProperties: spec.Metadata,
	})
	if err != nil {
		return "", classify(err, domain.ErrRegistration, "create model package")
	}
	return aws.ToString(out.ModelPackageArn), nil
}

func (c *client) UpdateApproval(ctx context.Context, packageARN string, status domain.ApprovalStatus, metadata map[string]string) error {
	_, err := c.sm.UpdateModelPackage(ctx, &sm.UpdateModelPackageInput{
		ModelPackageArn:            aws.String(packageARN),
		ModelApprovalStatus:        types.ModelApprovalStatus(status),
		CustomerMetadataProperties: metadata,
	})
	if err != nil {
		return classify(err, domain.ErrRegistration, "update model package")
	}
	return nil
}

func (c *client) DeletePackage(ctx context.Context, packageARN string) error {
	_, err := c.sm.DeleteModelPackage(ctx, &sm.DeleteModelPackageInput{
		ModelPackageName: aws.String(packageARN),
	})
	if err != nil {
		if notFound(err) {
			// Already gone; deletion is idempotent.
			return nil
		}
		return classify(err, domain.ErrRegistration, "delete model package")
	}
	return nil
}

// classify wraps an SDK error with the given class and marks authorization,
// validation and not-found failures fatal. Everything else (throttling,
// internal faults, transport) stays retryable.
func classify(err error, class error, op string) error {
	wrapped := fmt.Errorf("%w: %s: %v", class, op, err)

	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "AccessDeniedException", "ValidationException",
			"ResourceNotFound", "ResourceNotFoundException",
			"ResourceInUse", "ConflictException":
			return domain.MarkFatal(wrapped)
		}
	}
	return wrapped
}

func notFound(err error) bool {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "ResourceNotFound", "ResourceNotFoundException":
			return true
		}
	}
	return false
}
