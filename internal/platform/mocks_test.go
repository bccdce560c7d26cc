package platform

import (
	"io"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/sagemaker"
	"github.com/aws/aws-sdk-go/service/sagemaker/sagemakeriface"
	"github.com/aws/aws-sdk-go/service/sagemakerruntime"
	"github.com/aws/aws-sdk-go/service/sagemakerruntime/sagemakerruntimeiface"
	"github.com/stretchr/testify/mock"
)

type mockS3 struct {
	s3iface.S3API
	mock.Mock

	mu      sync.Mutex
	uploads map[string]string
}

func (m *mockS3) PutObjectWithContext(ctx aws.Context, in *s3.PutObjectInput, _ ...request.Option) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	if m.uploads == nil {
		m.uploads = make(map[string]string)
	}
	m.uploads[aws.StringValue(in.Key)] = string(body)
	m.mu.Unlock()
	args := m.Called(aws.StringValue(in.Bucket), aws.StringValue(in.Key))
	out, _ := args.Get(0).(*s3.PutObjectOutput)
	return out, args.Error(1)
}

func (m *mockS3) GetObjectWithContext(ctx aws.Context, in *s3.GetObjectInput, _ ...request.Option) (*s3.GetObjectOutput, error) {
	args := m.Called(aws.StringValue(in.Bucket), aws.StringValue(in.Key))
	out, _ := args.Get(0).(*s3.GetObjectOutput)
	return out, args.Error(1)
}

func (m *mockS3) ListObjectsV2PagesWithContext(ctx aws.Context, in *s3.ListObjectsV2Input, fn func(*s3.ListObjectsV2Output, bool) bool, _ ...request.Option) error {
	args := m.Called(aws.StringValue(in.Bucket), aws.StringValue(in.Prefix))
	pages, _ := args.Get(0).([]*s3.ListObjectsV2Output)
	for idx, page := range pages {
		if !fn(page, idx == len(pages)-1) {
			break
		}
	}
	return args.Error(1)
}

type mockSageMaker struct {
	sagemakeriface.SageMakerAPI
	mock.Mock
}

func (m *mockSageMaker) CreateTrainingJobWithContext(ctx aws.Context, in *sagemaker.CreateTrainingJobInput, _ ...request.Option) (*sagemaker.CreateTrainingJobOutput, error) {
	args := m.Called(in)
	return &sagemaker.CreateTrainingJobOutput{}, args.Error(0)
}

func (m *mockSageMaker) CreateCompilationJobWithContext(ctx aws.Context, in *sagemaker.CreateCompilationJobInput, _ ...request.Option) (*sagemaker.CreateCompilationJobOutput, error) {
	args := m.Called(in)
	return &sagemaker.CreateCompilationJobOutput{}, args.Error(0)
}

func (m *mockSageMaker) CreateModelWithContext(ctx aws.Context, in *sagemaker.CreateModelInput, _ ...request.Option) (*sagemaker.CreateModelOutput, error) {
	args := m.Called(in)
	return &sagemaker.CreateModelOutput{}, args.Error(0)
}

func (m *mockSageMaker) CreateEndpointConfigWithContext(ctx aws.Context, in *sagemaker.CreateEndpointConfigInput, _ ...request.Option) (*sagemaker.CreateEndpointConfigOutput, error) {
	args := m.Called(in)
	return &sagemaker.CreateEndpointConfigOutput{}, args.Error(0)
}

func (m *mockSageMaker) CreateEndpointWithContext(ctx aws.Context, in *sagemaker.CreateEndpointInput, _ ...request.Option) (*sagemaker.CreateEndpointOutput, error) {
	args := m.Called(in)
	return &sagemaker.CreateEndpointOutput{}, args.Error(0)
}

func (m *mockSageMaker) DeleteEndpointWithContext(ctx aws.Context, in *sagemaker.DeleteEndpointInput, _ ...request.Option) (*sagemaker.DeleteEndpointOutput, error) {
	args := m.Called(aws.StringValue(in.EndpointName))
	return &sagemaker.DeleteEndpointOutput{}, args.Error(0)
}

func (m *mockSageMaker) DeleteEndpointConfigWithContext(ctx aws.Context, in *sagemaker.DeleteEndpointConfigInput, _ ...request.Option) (*sagemaker.DeleteEndpointConfigOutput, error) {
	args := m.Called(aws.StringValue(in.EndpointConfigName))
	return &sagemaker.DeleteEndpointConfigOutput{}, args.Error(0)
}

func (m *mockSageMaker) DeleteModelWithContext(ctx aws.Context, in *sagemaker.DeleteModelInput, _ ...request.Option) (*sagemaker.DeleteModelOutput, error) {
	args := m.Called(aws.StringValue(in.ModelName))
	return &sagemaker.DeleteModelOutput{}, args.Error(0)
}

func (m *mockSageMaker) DescribeTrainingJobWithContext(ctx aws.Context, in *sagemaker.DescribeTrainingJobInput, _ ...request.Option) (*sagemaker.DescribeTrainingJobOutput, error) {
	args := m.Called(aws.StringValue(in.TrainingJobName))
	out, _ := args.Get(0).(*sagemaker.DescribeTrainingJobOutput)
	return out, args.Error(1)
}

func (m *mockSageMaker) DescribeCompilationJobWithContext(ctx aws.Context, in *sagemaker.DescribeCompilationJobInput, _ ...request.Option) (*sagemaker.DescribeCompilationJobOutput, error) {
	args := m.Called(aws.StringValue(in.CompilationJobName))
	out, _ := args.Get(0).(*sagemaker.DescribeCompilationJobOutput)
	return out, args.Error(1)
}

func (m *mockSageMaker) DescribeEndpointWithContext(ctx aws.Context, in *sagemaker.DescribeEndpointInput, _ ...request.Option) (*sagemaker.DescribeEndpointOutput, error) {
	args := m.Called(aws.StringValue(in.EndpointName))
	out, _ := args.Get(0).(*sagemaker.DescribeEndpointOutput)
	return out, args.Error(1)
}

type mockRuntime struct {
	sagemakerruntimeiface.SageMakerRuntimeAPI
	mock.Mock
}

func (m *mockRuntime) InvokeEndpointWithContext(ctx aws.Context, in *sagemakerruntime.InvokeEndpointInput, _ ...request.Option) (*sagemakerruntime.InvokeEndpointOutput, error) {
	args := m.Called(in)
	out, _ := args.Get(0).(*sagemakerruntime.InvokeEndpointOutput)
	return out, args.Error(1)
}
