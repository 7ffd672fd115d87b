package kube

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/p-arndt/werkstatt/internal/runtime"
)

var invalidDNSChars = regexp.MustCompile(`[^a-z0-9-]+`)

// dnsName lowercases s into an RFC 1123 label no longer than max.
func dnsName(s string, max int) string {
	s = invalidDNSChars.ReplaceAllString(strings.ToLower(s), "-")
	s = strings.Trim(s, "-")
	if len(s) > max {
		s = strings.TrimRight(s[:max], "-")
	}
	return s
}

func podName(ownerID string) string {
	return dnsName("werkstatt-"+ownerID, 54) + "-" + uuid.NewString()[:8]
}

func buildResources(l runtime.Limits, requestEqualsLimit bool) (corev1.ResourceRequirements, error) {
	mem, err := resource.ParseQuantity(fmt.Sprintf("%dMi", l.MemoryLimitMB))
	if err != nil {
		return corev1.ResourceRequirements{}, fmt.Errorf("parse memory limit: %w", err)
	}
	cpu, err := resource.ParseQuantity(fmt.Sprintf("%dm", int64(l.CPUCores*1000)))
	if err != nil {
		return corev1.ResourceRequirements{}, fmt.Errorf("parse cpu limit: %w", err)
	}

	limits := corev1.ResourceList{corev1.ResourceMemory: mem, corev1.ResourceCPU: cpu}
	if l.DiskLimitMB > 0 {
		disk, err := resource.ParseQuantity(fmt.Sprintf("%dMi", l.DiskLimitMB))
		if err != nil {
			return corev1.ResourceRequirements{}, fmt.Errorf("parse disk limit: %w", err)
		}
		limits[corev1.ResourceEphemeralStorage] = disk
	}

	requests := limits.DeepCopy()
	if !requestEqualsLimit {
		requests = corev1.ResourceList{
			corev1.ResourceMemory: *resource.NewQuantity(mem.Value()/4, resource.BinarySI),
			corev1.ResourceCPU:    *resource.NewMilliQuantity(cpu.MilliValue()/4, resource.DecimalSI),
		}
	}
	return corev1.ResourceRequirements{Limits: limits, Requests: requests}, nil
}

func buildPod(spec runtime.CreateSpec, claim string, opts Options) (*corev1.Pod, error) {
	res, err := buildResources(spec.Limits, opts.RequestEqualsLimit)
	if err != nil {
		return nil, err
	}

	mountPath := spec.WorkspaceMount
	if mountPath == "" {
		mountPath = "/workspace"
	}

	labels := map[string]string{
		labelPrefix + "managed": "true",
		labelPrefix + "owner":   dnsName(spec.OwnerID, 63),
	}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	env := make([]corev1.EnvVar, 0, len(spec.Env))
	for _, kv := range sortedEnv(spec.Env) {
		k, v, _ := strings.Cut(kv, "=")
		env = append(env, corev1.EnvVar{Name: k, Value: v})
	}

	noEscalation := false
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:        podName(spec.OwnerID),
			Namespace:   opts.Namespace,
			Labels:      labels,
			Annotations: map[string]string{labelPrefix + "owner-id": spec.OwnerID},
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyAlways,
			Containers: []corev1.Container{{
				Name:       containerName,
				Image:      spec.Image,
				Command:    spec.Command,
				Env:        env,
				WorkingDir: mountPath,
				Resources:  res,
				SecurityContext: &corev1.SecurityContext{
					AllowPrivilegeEscalation: &noEscalation,
				},
				VolumeMounts: []corev1.VolumeMount{{Name: volumeName, MountPath: mountPath}},
			}},
			Volumes: []corev1.Volume{{
				Name: volumeName,
				VolumeSource: corev1.VolumeSource{
					PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: claim},
				},
			}},
		},
	}, nil
}

func sortedEnv(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
