package traffic

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	"github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"
)

// ELBv2ClientAPI defines the subset of the ELBv2 client this strategy needs (for testing).
type ELBv2ClientAPI interface {
	RegisterTargets(ctx context.Context, params *elasticloadbalancingv2.RegisterTargetsInput, optFns ...func(*elasticloadbalancingv2.Options)) (*elasticloadbalancingv2.RegisterTargetsOutput, error)
	DeregisterTargets(ctx context.Context, params *elasticloadbalancingv2.DeregisterTargetsInput, optFns ...func(*elasticloadbalancingv2.Options)) (*elasticloadbalancingv2.DeregisterTargetsOutput, error)
	DescribeTargetHealth(ctx context.Context, params *elasticloadbalancingv2.DescribeTargetHealthInput, optFns ...func(*elasticloadbalancingv2.Options)) (*elasticloadbalancingv2.DescribeTargetHealthOutput, error)
}

// ELBv2Strategy registers/deregisters this instance with an AWS Application
// or Network Load Balancer target group, so that only the PRIMARY instance
// receives traffic in a standby deployment.
type ELBv2Strategy struct {
	mu sync.RWMutex

	client         ELBv2ClientAPI
	targetGroupARN string
	targetID       string
	targetPort     int32

	registered    bool
	lastOperation string
	lastError     string
}

// ELBv2Config configures the ELBv2 traffic strategy.
type ELBv2Config struct {
	Region         string
	TargetGroupARN string
	TargetID       string // instance ID or IP, depending on target group type
	TargetPort     int32
}

// NewELBv2Strategy creates a new ELBv2-backed traffic strategy.
func NewELBv2Strategy(ctx context.Context, cfg ELBv2Config) (*ELBv2Strategy, error) {
	if cfg.TargetGroupARN == "" {
		return nil, fmt.Errorf("traffic: elbv2 target group ARN is required")
	}
	if cfg.TargetID == "" {
		return nil, fmt.Errorf("traffic: elbv2 target id is required")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("traffic: failed to load AWS config: %w", err)
	}

	return &ELBv2Strategy{
		client:         elasticloadbalancingv2.NewFromConfig(awsCfg),
		targetGroupARN: cfg.TargetGroupARN,
		targetID:       cfg.TargetID,
		targetPort:     cfg.TargetPort,
	}, nil
}

// RegisterAsActive registers this instance's target with the load balancer's target group.
func (s *ELBv2Strategy) RegisterAsActive() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	target := types.TargetDescription{Id: aws.String(s.targetID)}
	if s.targetPort != 0 {
		target.Port = aws.Int32(s.targetPort)
	}

	_, err := s.client.RegisterTargets(ctx, &elasticloadbalancingv2.RegisterTargetsInput{
		TargetGroupArn: aws.String(s.targetGroupARN),
		Targets:        []types.TargetDescription{target},
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastOperation = "register"
	if err != nil {
		s.lastError = err.Error()
		slog.Error("Failed to register target with ELBv2", "targetGroup", s.targetGroupARN, "error", err)
		return fmt.Errorf("%w: register target: %w", ErrTrafficManagement, err)
	}
	s.registered = true
	s.lastError = ""
	slog.Info("Registered instance with ELBv2 target group", "targetGroup", s.targetGroupARN, "target", s.targetID)
	return nil
}

// DeregisterFromActive removes this instance's target from the target group.
func (s *ELBv2Strategy) DeregisterFromActive() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	target := types.TargetDescription{Id: aws.String(s.targetID)}
	if s.targetPort != 0 {
		target.Port = aws.Int32(s.targetPort)
	}

	_, err := s.client.DeregisterTargets(ctx, &elasticloadbalancingv2.DeregisterTargetsInput{
		TargetGroupArn: aws.String(s.targetGroupARN),
		Targets:        []types.TargetDescription{target},
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastOperation = "deregister"
	if err != nil {
		s.lastError = err.Error()
		slog.Error("Failed to deregister target from ELBv2", "targetGroup", s.targetGroupARN, "error", err)
		return fmt.Errorf("%w: deregister target: %w", ErrTrafficManagement, err)
	}
	s.registered = false
	s.lastError = ""
	slog.Info("Deregistered instance from ELBv2 target group", "targetGroup", s.targetGroupARN, "target", s.targetID)
	return nil
}

// IsRegistered reports the last known registration state set by
// RegisterAsActive/DeregisterFromActive. It does not poll AWS.
func (s *ELBv2Strategy) IsRegistered() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.registered
}

// GetStatus returns the current status for monitoring/debugging.
func (s *ELBv2Strategy) GetStatus() *TrafficStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &TrafficStatus{
		StrategyType:  "aws-elbv2",
		Registered:    s.registered,
		TargetInfo:    fmt.Sprintf("%s (target %s)", s.targetGroupARN, s.targetID),
		LastOperation: s.lastOperation,
		LastError:     s.lastError,
	}
}
