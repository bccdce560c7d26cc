package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/sagemaker"
	"github.com/aws/aws-sdk-go/service/sagemaker/sagemakeriface"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Job kinds accepted by Status.
const (
	KindTraining    = "training"
	KindCompilation = "compilation"
	KindEndpoint    = "endpoint"
)

var ErrUnknownJobKind = errors.New("unknown job kind")

// TrainingSpec describes a fine-tuning job.
type TrainingSpec struct {
	Name            string
	Image           string
	InstanceType    string
	InstanceCount   int64
	VolumeGB        int64
	MaxRuntimeSecs  int64
	TrainURI        string
	TestURI         string
	OutputURI       string
	Hyperparameters map[string]string
}

// CompilationSpec describes an accelerator compilation job. InputShapes
// maps each model input to its static shape.
type CompilationSpec struct {
	Name             string
	ModelURI         string
	Framework        string
	FrameworkVersion string
	InputShapes      map[string][]int
	TargetDevice     string
	OutputURI        string
	MaxRuntimeSecs   int64
}

// DeploySpec describes a hosted endpoint serving one artifact.
type DeploySpec struct {
	Name          string
	Image         string
	ModelURI      string
	InstanceType  string
	InstanceCount int64
	Environment   map[string]string
}

// JobStatus is the platform-reported state of a job or endpoint.
type JobStatus struct {
	Kind        string `json:"kind"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	Reason      string `json:"reason,omitempty"`
	ArtifactURI string `json:"artifact_uri,omitempty"`
}

// Jobs drives training, compilation and endpoint lifecycles.
type Jobs struct {
	api    sagemakeriface.SageMakerAPI
	cfg    Config
	logger *zap.Logger
}

func NewJobs(api sagemakeriface.SageMakerAPI, cfg Config, logger *zap.Logger) *Jobs {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Jobs{api: api, cfg: cfg, logger: logger}
}

// UniqueName appends a short random suffix, keeping within the 63
// character limit job names have.
func UniqueName(base string) string {
	suffix := strings.SplitN(uuid.NewString(), "-", 2)[0]
	base = strings.Trim(base, "-")
	if limit := 63 - len(suffix) - 1; len(base) > limit {
		base = base[:limit]
	}
	return base + "-" + suffix
}

// InputShapes returns the static shapes for a sequence classifier traced at
// maxLength with batch size 1.
func InputShapes(maxLength int) map[string][]int {
	return map[string][]int{
		"input_ids":      {1, maxLength},
		"attention_mask": {1, maxLength},
	}
}

func (j *Jobs) role() (*string, error) {
	if j.cfg.RoleARN == "" {
		return nil, errors.New("role arn is required")
	}
	return aws.String(j.cfg.RoleARN), nil
}

// SubmitTraining starts a training job and returns its name.
func (j *Jobs) SubmitTraining(ctx context.Context, spec TrainingSpec) (string, error) {
	role, err := j.role()
	if err != nil {
		return "", err
	}
	if spec.Image == "" || spec.TrainURI == "" || spec.OutputURI == "" {
		return "", errors.New("training requires image, train uri and output uri")
	}
	name := UniqueName(defaultString(spec.Name, "textcls-train"))
	channels := []*sagemaker.Channel{s3Channel("train", spec.TrainURI)}
	if spec.TestURI != "" {
		channels = append(channels, s3Channel("test", spec.TestURI))
	}
	_, err = j.api.CreateTrainingJobWithContext(ctx, &sagemaker.CreateTrainingJobInput{
		TrainingJobName: aws.String(name),
		RoleArn:         role,
		AlgorithmSpecification: &sagemaker.AlgorithmSpecification{
			TrainingImage:     aws.String(spec.Image),
			TrainingInputMode: aws.String(sagemaker.TrainingInputModeFile),
		},
		InputDataConfig:  channels,
		OutputDataConfig: &sagemaker.OutputDataConfig{S3OutputPath: aws.String(spec.OutputURI)},
		ResourceConfig: &sagemaker.ResourceConfig{
			InstanceType:   aws.String(defaultString(spec.InstanceType, "ml.p3.2xlarge")),
			InstanceCount:  aws.Int64(defaultInt64(spec.InstanceCount, 1)),
			VolumeSizeInGB: aws.Int64(defaultInt64(spec.VolumeGB, 30)),
		},
		StoppingCondition: &sagemaker.StoppingCondition{
			MaxRuntimeInSeconds: aws.Int64(defaultInt64(spec.MaxRuntimeSecs, 86400)),
		},
		HyperParameters: aws.StringMap(spec.Hyperparameters),
	})
	if err != nil {
		return "", fmt.Errorf("create training job %s: %w", name, err)
	}
	j.logger.Info("training_job_submitted", zap.String("job", name))
	return name, nil
}

// SubmitCompilation starts a compilation job and returns its name.
func (j *Jobs) SubmitCompilation(ctx context.Context, spec CompilationSpec) (string, error) {
	role, err := j.role()
	if err != nil {
		return "", err
	}
	if spec.ModelURI == "" || spec.OutputURI == "" || len(spec.InputShapes) == 0 {
		return "", errors.New("compilation requires model uri, output uri and input shapes")
	}
	shapes, err := json.Marshal(spec.InputShapes)
	if err != nil {
		return "", fmt.Errorf("encoding input shapes: %w", err)
	}
	name := UniqueName(defaultString(spec.Name, "textcls-compile"))
	input := &sagemaker.InputConfig{
		S3Uri:           aws.String(spec.ModelURI),
		DataInputConfig: aws.String(string(shapes)),
		Framework:       aws.String(defaultString(spec.Framework, sagemaker.FrameworkPytorch)),
	}
	if spec.FrameworkVersion != "" {
		input.FrameworkVersion = aws.String(spec.FrameworkVersion)
	}
	_, err = j.api.CreateCompilationJobWithContext(ctx, &sagemaker.CreateCompilationJobInput{
		CompilationJobName: aws.String(name),
		RoleArn:            role,
		InputConfig:        input,
		OutputConfig: &sagemaker.OutputConfig{
			S3OutputLocation: aws.String(spec.OutputURI),
			TargetDevice:     aws.String(defaultString(spec.TargetDevice, sagemaker.TargetDeviceMlInf1)),
		},
		StoppingCondition: &sagemaker.StoppingCondition{
			MaxRuntimeInSeconds: aws.Int64(defaultInt64(spec.MaxRuntimeSecs, 900)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("create compilation job %s: %w", name, err)
	}
	j.logger.Info("compilation_job_submitted", zap.String("job", name))
	return name, nil
}

// DeployEndpoint creates the model, endpoint config and endpoint, all named
// after spec.Name, and returns the endpoint name.
func (j *Jobs) DeployEndpoint(ctx context.Context, spec DeploySpec) (string, error) {
	role, err := j.role()
	if err != nil {
		return "", err
	}
	if spec.Image == "" || spec.ModelURI == "" {
		return "", errors.New("deploy requires image and model uri")
	}
	name := UniqueName(defaultString(spec.Name, "textcls"))
	configName := name + "-config"

	_, err = j.api.CreateModelWithContext(ctx, &sagemaker.CreateModelInput{
		ModelName:        aws.String(name),
		ExecutionRoleArn: role,
		PrimaryContainer: &sagemaker.ContainerDefinition{
			Image:        aws.String(spec.Image),
			ModelDataUrl: aws.String(spec.ModelURI),
			Environment:  aws.StringMap(spec.Environment),
		},
	})
	if err != nil {
		return "", fmt.Errorf("create model %s: %w", name, err)
	}
	_, err = j.api.CreateEndpointConfigWithContext(ctx, &sagemaker.CreateEndpointConfigInput{
		EndpointConfigName: aws.String(configName),
		ProductionVariants: []*sagemaker.ProductionVariant{{
			VariantName:          aws.String("primary"),
			ModelName:            aws.String(name),
			InstanceType:         aws.String(defaultString(spec.InstanceType, "ml.inf1.xlarge")),
			InitialInstanceCount: aws.Int64(defaultInt64(spec.InstanceCount, 1)),
			InitialVariantWeight: aws.Float64(1),
		}},
	})
	if err != nil {
		return "", fmt.Errorf("create endpoint config %s: %w", configName, err)
	}
	_, err = j.api.CreateEndpointWithContext(ctx, &sagemaker.CreateEndpointInput{
		EndpointName:       aws.String(name),
		EndpointConfigName: aws.String(configName),
	})
	if err != nil {
		return "", fmt.Errorf("create endpoint %s: %w", name, err)
	}
	j.logger.Info("endpoint_deploying", zap.String("endpoint", name), zap.String("model_uri", spec.ModelURI))
	return name, nil
}

// DeleteEndpoint tears down the endpoint, its config and its model. Every
// step is attempted; the errors are joined.
func (j *Jobs) DeleteEndpoint(ctx context.Context, name string) error {
	if name == "" {
		return errors.New("endpoint name is required")
	}
	var errs []error
	if _, err := j.api.DeleteEndpointWithContext(ctx, &sagemaker.DeleteEndpointInput{
		EndpointName: aws.String(name),
	}); err != nil {
		errs = append(errs, fmt.Errorf("delete endpoint %s: %w", name, err))
	}
	if _, err := j.api.DeleteEndpointConfigWithContext(ctx, &sagemaker.DeleteEndpointConfigInput{
		EndpointConfigName: aws.String(name + "-config"),
	}); err != nil {
		errs = append(errs, fmt.Errorf("delete endpoint config %s-config: %w", name, err))
	}
	if _, err := j.api.DeleteModelWithContext(ctx, &sagemaker.DeleteModelInput{
		ModelName: aws.String(name),
	}); err != nil {
		errs = append(errs, fmt.Errorf("delete model %s: %w", name, err))
	}
	if len(errs) == 0 {
		j.logger.Info("endpoint_deleted", zap.String("endpoint", name))
	}
	return errors.Join(errs...)
}

// Status reports the state of a training job, compilation job or endpoint.
func (j *Jobs) Status(ctx context.Context, kind string, name string) (JobStatus, error) {
	status := JobStatus{Kind: kind, Name: name}
	switch kind {
	case KindTraining:
		out, err := j.api.DescribeTrainingJobWithContext(ctx, &sagemaker.DescribeTrainingJobInput{
			TrainingJobName: aws.String(name),
		})
		if err != nil {
			return status, fmt.Errorf("describe training job %s: %w", name, err)
		}
		status.Status = aws.StringValue(out.TrainingJobStatus)
		status.Reason = aws.StringValue(out.FailureReason)
		if out.ModelArtifacts != nil {
			status.ArtifactURI = aws.StringValue(out.ModelArtifacts.S3ModelArtifacts)
		}
	case KindCompilation:
		out, err := j.api.DescribeCompilationJobWithContext(ctx, &sagemaker.DescribeCompilationJobInput{
			CompilationJobName: aws.String(name),
		})
		if err != nil {
			return status, fmt.Errorf("describe compilation job %s: %w", name, err)
		}
		status.Status = aws.StringValue(out.CompilationJobStatus)
		status.Reason = aws.StringValue(out.FailureReason)
		if out.ModelArtifacts != nil {
			status.ArtifactURI = aws.StringValue(out.ModelArtifacts.S3ModelArtifacts)
		}
	case KindEndpoint:
		out, err := j.api.DescribeEndpointWithContext(ctx, &sagemaker.DescribeEndpointInput{
			EndpointName: aws.String(name),
		})
		if err != nil {
			return status, fmt.Errorf("describe endpoint %s: %w", name, err)
		}
		status.Status = aws.StringValue(out.EndpointStatus)
		status.Reason = aws.StringValue(out.FailureReason)
	default:
		return status, fmt.Errorf("%w: %q", ErrUnknownJobKind, kind)
	}
	return status, nil
}

func s3Channel(name string, uri string) *sagemaker.Channel {
	return &sagemaker.Channel{
		ChannelName: aws.String(name),
		DataSource: &sagemaker.DataSource{
			S3DataSource: &sagemaker.S3DataSource{
				S3DataType:             aws.String(sagemaker.S3DataTypeS3prefix),
				S3Uri:                  aws.String(uri),
				S3DataDistributionType: aws.String(sagemaker.S3DataDistributionFullyReplicated),
			},
		},
	}
}

func defaultString(value string, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func defaultInt64(value int64, fallback int64) int64 {
	if value <= 0 {
		return fallback
	}
	return value
}
